// internal/driver/node.go
package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/xkilldash9x/cdpdriver/internal/browser/engine"
)

// ElementKind classifies an element for value assignment.
type ElementKind int

const (
	KindOther ElementKind = iota
	KindText
	KindCheckbox
	KindRadio
	KindSelect
	KindFile
	KindContentEditable
)

func (k ElementKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindCheckbox:
		return "checkbox"
	case KindRadio:
		return "radio"
	case KindSelect:
		return "select"
	case KindFile:
		return "file"
	case KindContentEditable:
		return "contenteditable"
	default:
		return "other"
	}
}

// classifyElement picks the kind from the lower-cased tag name and type attribute.
func classifyElement(tag, inputType string, editable bool) ElementKind {
	switch tag {
	case "textarea":
		return KindText
	case "select":
		return KindSelect
	case "input":
		switch inputType {
		case "checkbox":
			return KindCheckbox
		case "radio":
			return KindRadio
		case "file":
			return KindFile
		case "submit", "button", "reset", "image", "hidden":
			return KindOther
		default:
			return KindText
		}
	}
	if editable {
		return KindContentEditable
	}
	return KindOther
}

const (
	jsElementInfo  = `el => [el.tagName.toLowerCase(), (el.getAttribute('type') || '').toLowerCase(), !!el.isContentEditable]`
	jsText         = `el => el.innerText`
	jsTagName      = `el => el.tagName.toLowerCase()`
	jsAttribute    = `(el, name) => el.getAttribute(name)`
	jsVisible      = `el => { const s = window.getComputedStyle(el); const r = el.getBoundingClientRect(); return s.visibility !== 'hidden' && s.display !== 'none' && r.width > 0 && r.height > 0 }`
	jsChecked      = `el => el.checked`
	jsSetValue     = `(el, v) => { el.focus(); el.value = v; el.dispatchEvent(new Event('input', { bubbles: true })); el.dispatchEvent(new Event('change', { bubbles: true })) }`
	jsSetInnerText = `(el, v) => { el.focus(); el.innerText = v; el.dispatchEvent(new Event('input', { bubbles: true })) }`
)

// Node is an element found in a Window.
type Node struct {
	window  *Window
	element engine.ElementHandle

	kindMu    sync.Mutex
	kindKnown bool
	kind      ElementKind
}

func newNode(w *Window, el engine.ElementHandle) *Node {
	return &Node{window: w, element: el}
}

// Element exposes the underlying engine handle.
func (n *Node) Element() engine.ElementHandle { return n.element }

// Equal reports whether both nodes refer to the same DOM element. Node ids
// are only unique within one tab, so nodes of different windows never match.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	return n.window == other.window && n.element.NodeID() == other.element.NodeID()
}

func (n *Node) check() error {
	if err := n.window.checkOpen(); err != nil {
		return fmt.Errorf("%w: %w", ErrStaleElement, err)
	}
	return nil
}

func (n *Node) eval(ctx context.Context, fn string, args ...any) (any, error) {
	if err := n.check(); err != nil {
		return nil, err
	}
	ctx, cancel := n.window.opContext(ctx)
	defer cancel()
	return n.element.Evaluate(ctx, fn, args...)
}

func (n *Node) evalString(ctx context.Context, fn string, args ...any) (string, error) {
	v, err := n.eval(ctx, fn, args...)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// Text returns the rendered text of the element.
func (n *Node) Text(ctx context.Context) (string, error) {
	return n.evalString(ctx, jsText)
}

// TagName returns the lower-cased tag name.
func (n *Node) TagName(ctx context.Context) (string, error) {
	return n.evalString(ctx, jsTagName)
}

// Attribute returns the named attribute, or "" when it is absent.
func (n *Node) Attribute(ctx context.Context, name string) (string, error) {
	return n.evalString(ctx, jsAttribute, name)
}

// Visible reports whether the element is rendered with a non-empty box.
func (n *Node) Visible(ctx context.Context) (bool, error) {
	v, err := n.eval(ctx, jsVisible)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// Kind classifies the element and caches the answer. Failures are not
// cached; a call that timed out can be retried with a fresh context.
func (n *Node) Kind(ctx context.Context) (ElementKind, error) {
	n.kindMu.Lock()
	defer n.kindMu.Unlock()
	if n.kindKnown {
		return n.kind, nil
	}

	v, err := n.eval(ctx, jsElementInfo)
	if err != nil {
		return KindOther, err
	}
	info, ok := v.([]any)
	if !ok || len(info) != 3 {
		return KindOther, fmt.Errorf("unexpected element info %v", v)
	}
	tag, _ := info[0].(string)
	typ, _ := info[1].(string)
	editable, _ := info[2].(bool)
	n.kind = classifyElement(tag, typ, editable)
	n.kindKnown = true
	return n.kind, nil
}

// Click clicks the centre of the element.
func (n *Node) Click(ctx context.Context) error {
	if err := n.check(); err != nil {
		return err
	}
	ctx, cancel := n.window.opContext(ctx)
	defer cancel()
	return n.element.Click(ctx)
}

// SetValue assigns value according to the element kind: a string for text,
// select and contenteditable elements, a bool for checkboxes, and true for
// radio buttons.
func (n *Node) SetValue(ctx context.Context, value any) error {
	kind, err := n.Kind(ctx)
	if err != nil {
		return err
	}

	switch kind {
	case KindText, KindSelect:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s element needs a string value, got %T", ErrInvalidArgument, kind, value)
		}
		_, err := n.eval(ctx, jsSetValue, s)
		return err
	case KindContentEditable:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s element needs a string value, got %T", ErrInvalidArgument, kind, value)
		}
		_, err := n.eval(ctx, jsSetInnerText, s)
		return err
	case KindCheckbox, KindRadio:
		want, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s element needs a bool value, got %T", ErrInvalidArgument, kind, value)
		}
		v, err := n.eval(ctx, jsChecked)
		if err != nil {
			return err
		}
		checked, _ := v.(bool)
		if checked == want || (kind == KindRadio && !want) {
			return nil
		}
		return n.Click(ctx)
	case KindFile:
		return notSupported("set value on file input")
	default:
		return fmt.Errorf("%w: element is not fillable", ErrInvalidArgument)
	}
}

// Obscured would report whether another element covers this one. Precise
// hit testing is not implemented.
func (n *Node) Obscured(ctx context.Context) (bool, error) {
	if err := n.check(); err != nil {
		return false, err
	}
	return false, notSupported("obscured")
}
