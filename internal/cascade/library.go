package cascade

import (
	"context"
	"io"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/signal-cli/internal/model"
)

// PatternWriter persists curated patterns.
type PatternWriter interface {
	UpsertPattern(ctx context.Context, p *model.Pattern) error
}

type libraryFile struct {
	Patterns []yaml.Node `yaml:"patterns"`
}

// LoadLibrary parses a YAML pattern library:
//
//	patterns:
//	  - name: executive_departure_cascade
//	    trigger_signal_type: leadership_change
//	    trigger_entity_types: [competitor]
//	    confidence: 0.7
//	    cascade_steps:
//	      - {step: 1, delay_days: 7, expected_action: interim appointment, description: ...}
//
// Patterns are active with confidence 0.5 unless the file says otherwise.
func LoadLibrary(r io.Reader) ([]model.Pattern, error) {
	var f libraryFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, eris.Wrap(err, "cascade: decode pattern library")
	}

	out := make([]model.Pattern, 0, len(f.Patterns))
	seen := map[string]bool{}
	for i := range f.Patterns {
		p := model.Pattern{IsActive: true, Confidence: 0.5}
		if err := f.Patterns[i].Decode(&p); err != nil {
			return nil, eris.Wrapf(err, "cascade: decode pattern %d", i)
		}
		if err := validatePattern(&p); err != nil {
			return nil, eris.Wrapf(err, "cascade: pattern %d", i)
		}
		if seen[p.Name] {
			return nil, eris.Errorf("cascade: duplicate pattern %q", p.Name)
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out, nil
}

func validatePattern(p *model.Pattern) error {
	p.Name = strings.TrimSpace(p.Name)
	p.TriggerSignalType = strings.TrimSpace(p.TriggerSignalType)
	switch {
	case p.Name == "":
		return eris.New("missing name")
	case p.TriggerSignalType == "":
		return eris.Errorf("%s: missing trigger_signal_type", p.Name)
	case len(p.Steps) == 0:
		return eris.Errorf("%s: no cascade_steps", p.Name)
	case p.Confidence < 0 || p.Confidence > 1:
		return eris.Errorf("%s: confidence %.2f out of range", p.Name, p.Confidence)
	}
	for i, s := range p.Steps {
		if s.DelayDays < 0 {
			return eris.Errorf("%s: step %d has negative delay", p.Name, s.Step)
		}
		if s.ExpectedAction == "" {
			return eris.Errorf("%s: step %d has no expected_action", p.Name, s.Step)
		}
		if s.Step == 0 {
			p.Steps[i].Step = i + 1
		}
	}
	sort.SliceStable(p.Steps, func(i, j int) bool { return p.Steps[i].Step < p.Steps[j].Step })
	return nil
}

// ImportLibrary upserts patterns by name and returns how many were written.
func ImportLibrary(ctx context.Context, w PatternWriter, patterns []model.Pattern) (int, error) {
	for i := range patterns {
		if err := w.UpsertPattern(ctx, &patterns[i]); err != nil {
			return i, eris.Wrapf(err, "cascade: import pattern %s", patterns[i].Name)
		}
		zap.L().Debug("cascade: pattern imported",
			zap.String("pattern", patterns[i].Name),
			zap.Int("steps", len(patterns[i].Steps)),
		)
	}
	return len(patterns), nil
}
