package litellm

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const envRefPrefix = "os.environ/"

// EnvRefs scans a LiteLLM YAML config for `os.environ/<NAME>` references
// and returns the unique env var names, sorted. LITELLM_MASTER_KEY is
// excluded: the gateway manages that one itself.
func EnvRefs(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("litellm config: %w", err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("litellm config %s: %w", path, err)
	}

	seen := make(map[string]bool)
	collectEnvRefs(&root, seen)
	delete(seen, "LITELLM_MASTER_KEY")

	refs := make([]string, 0, len(seen))
	for name := range seen {
		refs = append(refs, name)
	}
	sort.Strings(refs)
	return refs, nil
}

func collectEnvRefs(n *yaml.Node, seen map[string]bool) {
	if n.Kind == yaml.ScalarNode {
		if name, ok := strings.CutPrefix(n.Value, envRefPrefix); ok && name != "" {
			seen[name] = true
		}
		return
	}
	for _, child := range n.Content {
		collectEnvRefs(child, seen)
	}
}
