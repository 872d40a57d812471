// internal/browser/extract.go
package browser

import (
	"fmt"

	json "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-harvest/api/schemas"
)

// extractTemplate runs in the page. It selects item containers, then
// evaluates each field relative to its container with CSS or XPath.
const extractTemplate = `(() => {
  const itemSelector = %s;
  const fields = %s;
  const byXPath = (root, query, multiple) => {
    const snap = document.evaluate(query, root, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
    const nodes = [];
    for (let i = 0; i < snap.snapshotLength; i++) nodes.push(snap.snapshotItem(i));
    return multiple ? nodes : nodes.slice(0, 1);
  };
  const byCSS = (root, query, multiple) =>
    multiple ? Array.from(root.querySelectorAll(query)) : [root.querySelector(query)].filter(Boolean);
  const read = (node, attribute) => {
    if (attribute) return node.getAttribute ? node.getAttribute(attribute) : null;
    const text = node.nodeType === Node.ELEMENT_NODE ? node.innerText || node.textContent : node.textContent;
    return (text || '').trim();
  };
  const roots = itemSelector ? Array.from(document.querySelectorAll(itemSelector)) : [document];
  return roots.map((root) => {
    const item = {};
    for (const f of fields) {
      const find = f.type === 'xpath' ? byXPath : byCSS;
      let nodes = [];
      try { nodes = find(root, f.query, !!f.multiple); } catch (_) { nodes = []; }
      const values = nodes.map((n) => read(n, f.attribute));
      item[f.name] = f.multiple ? values : (values.length ? values[0] : null);
    }
    return item;
  });
})()`

type fieldSpec struct {
	Name      string `json:"name"`
	Query     string `json:"query"`
	Type      string `json:"type"`
	Attribute string `json:"attribute,omitempty"`
	Multiple  bool   `json:"multiple,omitempty"`
}

// extractionScript renders the in-page extraction for the given selectors.
// Visual selectors are skipped; they are handled from screenshots.
func extractionScript(itemSelector string, fields []schemas.Selector) (string, error) {
	specs := make([]fieldSpec, 0, len(fields))
	for _, f := range fields {
		t := f.Type
		if t == "" {
			t = schemas.SelectorCSS
		}
		if t == schemas.SelectorVisual {
			continue
		}
		specs = append(specs, fieldSpec{Name: f.Name, Query: f.Query, Type: string(t), Attribute: f.Attribute, Multiple: f.Multiple})
	}
	sel, err := json.Marshal(itemSelector)
	if err != nil {
		return "", err
	}
	spec, err := json.Marshal(specs)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(extractTemplate, sel, spec), nil
}

func toItems(raw []map[string]any) []schemas.Item {
	items := make([]schemas.Item, 0, len(raw))
	for _, r := range raw {
		items = append(items, schemas.Item(r))
	}
	return items
}
