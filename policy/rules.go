package policy

import (
	"os"

	"github.com/BurntSushi/toml"
)

// RuleFile is the on-disk layout of scope rules.
type RuleFile struct {
	Rules []ScopeRule `toml:"rule"`
}

// LoadRules reads scope rules from a TOML file. A missing file yields no rules
// and no error.
func LoadRules(path string) ([]ScopeRule, error) {
	var file RuleFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return file.Rules, nil
}
