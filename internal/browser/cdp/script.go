package cdp

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// tagAttribute marks elements the driver has handed out handles for.
const tagAttribute = "data-autopilot-id"

// docMarkerScript reports whether the page still carries token. When the marker
// is missing the document was replaced and the marker is installed.
const docMarkerScript = `(function(token) {
  if (window.__autopilotDoc === undefined) { window.__autopilotDoc = token; window.__autopilotSeq = 0; return true; }
  return false;
})(%s)`

// findScript tags the elements matching a query and reports their live state.
// Attributes are read from the serialised DOM; properties that never reflect
// into attributes (value, checked, layout visibility) come from here.
const findScript = `(function(kind, query, attr) {
  const isVisible = (el) => {
    if (!el.isConnected) return false;
    const style = window.getComputedStyle(el);
    if (style.display === 'none' || style.visibility === 'hidden' || style.opacity === '0') return false;
    const rect = el.getBoundingClientRect();
    return rect.width > 0 || rect.height > 0 || el.getClientRects().length > 0;
  };
  const norm = (s) => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
  let nodes = [];
  if (kind === 'css') {
    nodes = Array.from(document.querySelectorAll(query));
  } else if (kind === 'xpath') {
    const res = document.evaluate(query, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
    for (let i = 0; i < res.snapshotLength; i++) {
      const n = res.snapshotItem(i);
      if (n.nodeType === Node.ELEMENT_NODE) nodes.push(n);
    }
  } else if (kind === 'text') {
    const want = norm(query);
    const all = Array.from(document.body ? document.body.querySelectorAll('*') : []);
    nodes = all.filter((el) => {
      const t = norm(el.innerText || el.value);
      if (t !== want) return false;
      return !Array.from(el.children).some((c) => norm(c.innerText || c.value) === want);
    });
  }
  window.__autopilotSeq = window.__autopilotSeq || 0;
  return nodes.map((el) => {
    let id = el.getAttribute(attr);
    if (!id) { id = 'cd-' + (++window.__autopilotSeq); el.setAttribute(attr, id); }
    const out = { id: id, visible: isVisible(el) };
    if ('value' in el && el.tagName !== 'BUTTON' && el.tagName !== 'LI') out.value = String(el.value);
    if (el.type === 'checkbox' || el.type === 'radio') out.checked = !!el.checked;
    return out;
  });
})(%s, %s, %s)`

// pageScript reads the live page properties a snapshot needs.
const pageScript = `(function() {
  const fields = {};
  document.querySelectorAll('input, textarea, select').forEach((el) => {
    const key = el.name || el.id;
    if (!key || el.type === 'hidden' && !el.name) return;
    if ((el.type === 'checkbox' || el.type === 'radio')) {
      if (el.checked) fields[key] = el.value || 'on';
      else if (!(key in fields)) fields[key] = '';
      return;
    }
    fields[key] = String(el.value);
  });
  return {
    url: location.href,
    title: document.title,
    text: document.body ? document.body.innerText : '',
    fields: fields,
  };
})()`

// fillScript sets the value property and fires the events frameworks listen to.
const fillScript = `(function(sel, value) {
  const el = document.querySelector(sel);
  if (!el) return 'missing';
  el.focus();
  if (el.isContentEditable) { el.textContent = value; }
  else {
    const proto = el.tagName === 'TEXTAREA' ? HTMLTextAreaElement.prototype : HTMLInputElement.prototype;
    const setter = Object.getOwnPropertyDescriptor(proto, 'value').set;
    setter.call(el, value);
  }
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
  return 'ok';
})(%s, %s)`

// selectScript picks an option by value, falling back to its visible text.
const selectScript = `(function(sel, value) {
  const el = document.querySelector(sel);
  if (!el) return 'missing';
  if (el.tagName !== 'SELECT') return 'not-select';
  const norm = (s) => (s || '').replace(/\s+/g, ' ').trim().toLowerCase();
  let opt = Array.from(el.options).find((o) => o.value === value);
  if (!opt) opt = Array.from(el.options).find((o) => norm(o.text) === norm(value));
  if (!opt) return 'no-option';
  el.value = opt.value;
  el.dispatchEvent(new Event('input', { bubbles: true }));
  el.dispatchEvent(new Event('change', { bubbles: true }));
  return 'ok';
})(%s, %s)`

// liveElement is one entry of the findScript result.
type liveElement struct {
	ID      string  `json:"id"`
	Visible bool    `json:"visible"`
	Value   *string `json:"value,omitempty"`
	Checked *bool   `json:"checked,omitempty"`
}

type livePage struct {
	URL    string            `json:"url"`
	Title  string            `json:"title"`
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields"`
}

// jsCall formats a script template with JSON-encoded arguments.
func jsCall(tmpl string, args ...any) string {
	encoded := make([]any, len(args))
	for i, a := range args {
		b, _ := json.Marshal(a)
		encoded[i] = string(b)
	}
	return fmt.Sprintf(tmpl, encoded...)
}

func tagSelector(id string) string {
	return fmt.Sprintf(`[%s=%q]`, tagAttribute, id)
}
