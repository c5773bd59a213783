package reporting

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// -- JSON --

// jsonReporter buffers records and writes them as one indented array on Close.
type jsonReporter struct {
	out     io.WriteCloser
	records []*schemas.SessionRecord
}

func (r *jsonReporter) Write(rec *schemas.SessionRecord) error {
	if rec == nil {
		return errors.New("cannot report a nil session record")
	}
	r.records = append(r.records, rec)
	return nil
}

func (r *jsonReporter) Close() error {
	records := r.records
	if records == nil {
		records = []*schemas.SessionRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err == nil {
		data = append(data, '\n')
		_, err = r.out.Write(data)
	}
	if cerr := r.out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write json report: %w", err)
	}
	return nil
}

// -- YAML --

// yamlReporter streams one YAML document per record. Keys follow the JSON
// field names so both formats read the same.
type yamlReporter struct {
	out io.WriteCloser
	enc *yaml.Encoder
}

func newYAMLReporter(w io.WriteCloser) *yamlReporter {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	return &yamlReporter{out: w, enc: enc}
}

func (r *yamlReporter) Write(rec *schemas.SessionRecord) error {
	if rec == nil {
		return errors.New("cannot report a nil session record")
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	if err := r.enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to write yaml report: %w", err)
	}
	return nil
}

func (r *yamlReporter) Close() error {
	err := r.enc.Close()
	if cerr := r.out.Close(); err == nil {
		err = cerr
	}
	return err
}

// -- Text --

// textReporter writes a short human-readable block per record.
type textReporter struct {
	out io.WriteCloser
	n   int
}

func (r *textReporter) Write(rec *schemas.SessionRecord) error {
	if rec == nil {
		return errors.New("cannot report a nil session record")
	}
	var b strings.Builder
	if r.n > 0 {
		b.WriteString("\n")
	}
	r.n++

	fmt.Fprintf(&b, "Session %s\n", rec.SessionID)
	fmt.Fprintf(&b, "  Objective: %s\n", rec.Objective.Goal)
	if rec.Objective.StartURL != "" {
		fmt.Fprintf(&b, "  URL:       %s\n", rec.Objective.StartURL)
	}
	fmt.Fprintf(&b, "  Outcome:   %s\n", rec.Outcome)
	if sum := rec.Summary(); sum != nil {
		fmt.Fprintf(&b, "  Elapsed:   %s\n", sum.Elapsed.Round(time.Millisecond))
		fmt.Fprintf(&b, "  Attempts:  %d (replans: %d)\n", sum.Attempts, sum.ReplansUsed)
		if sum.ErrorCode != "" {
			fmt.Fprintf(&b, "  Error:     %s: %s\n", sum.ErrorCode, sum.Error)
		}
	}

	if len(rec.Steps) > 0 {
		b.WriteString("  Steps:\n")
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		for _, st := range rec.Steps {
			fmt.Fprintf(tw, "    %s\t%s\t%s\t%s\n", st.ID, st.Status, st.Action, st.Description)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	var shots []string
	for _, e := range rec.History {
		if e.Kind == schemas.EntryAttempt && e.Attempt.Screenshot != "" {
			shots = append(shots, fmt.Sprintf("    %s#%d: %s\n", e.Attempt.StepID, e.Attempt.Attempt, e.Attempt.Screenshot))
		}
	}
	if len(shots) > 0 {
		b.WriteString("  Screenshots:\n")
		for _, line := range shots {
			b.WriteString(line)
		}
	}

	if len(rec.Extracted) > 0 {
		b.WriteString("  Extracted:\n")
		keys := make([]string, 0, len(rec.Extracted))
		for k := range rec.Extracted {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v, err := json.MarshalToString(rec.Extracted[k])
			if err != nil {
				v = fmt.Sprint(rec.Extracted[k])
			}
			fmt.Fprintf(&b, "    %s: %s\n", k, truncate(v, 200))
		}
	}

	if _, err := io.WriteString(r.out, b.String()); err != nil {
		return fmt.Errorf("failed to write text report: %w", err)
	}
	return nil
}

func (r *textReporter) Close() error {
	return r.out.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
