package config

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"harness/harnesserr"
)

// DecodeDocument unmarshals a configuration document from YAML, detecting
// duplicate mapping keys that yaml.v3's struct-unmarshal path silently
// overwrites instead of rejecting. Grounded on the teacher's
// DecodeEnvironment, which walks the raw token stream to catch duplicate
// JSON object keys before trusting the struct decode; here the walk is
// over yaml.Node mapping pairs instead of json.Decoder tokens, since this
// module's config format is YAML (the one already in the dependency
// graph via yaml.v3, used throughout ethpandaops-xcli's config package).
func DecodeDocument(data []byte) (Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return Document{}, harnesserr.Wrap(harnesserr.InvalidConfig, err, "config: parse")
	}
	if len(root.Content) > 0 {
		if err := checkDuplicateKeys(root.Content[0], "$"); err != nil {
			return Document{}, err
		}
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, harnesserr.Wrap(harnesserr.InvalidConfig, err, "config: decode")
	}
	return doc, nil
}

// checkDuplicateKeys walks node recursively, reporting the first mapping
// that repeats a key. path is a dotted breadcrumb used in the error.
func checkDuplicateKeys(node *yaml.Node, path string) error {
	switch node.Kind {
	case yaml.DocumentNode:
		for _, c := range node.Content {
			if err := checkDuplicateKeys(c, path); err != nil {
				return err
			}
		}
	case yaml.MappingNode:
		seen := make(map[string]bool, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i]
			val := node.Content[i+1]
			if seen[key.Value] {
				return harnesserr.New(harnesserr.InvalidConfig, "config: duplicate key %q at %s", key.Value, path)
			}
			seen[key.Value] = true
			if err := checkDuplicateKeys(val, fmt.Sprintf("%s.%s", path, key.Value)); err != nil {
				return err
			}
		}
	case yaml.SequenceNode:
		for i, c := range node.Content {
			if err := checkDuplicateKeys(c, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}
