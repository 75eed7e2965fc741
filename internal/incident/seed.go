package incident

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Reports []Report `yaml:"reports"`
}

// LoadReports parses a YAML document of the form
//
//	reports:
//	  - category: phishing
//	    description: ...
//
// Reports are returned as written; callers validate them.
func LoadReports(r io.Reader) ([]Report, error) {
	var sf seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("parse seed reports: %w", err)
	}
	return sf.Reports, nil
}
