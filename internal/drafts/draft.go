// Package drafts implements the outbound draft spool: markdown files
// with YAML frontmatter dropped into a watched directory become queued
// case mutations in the offline store, carried until the CRUD flow
// picks them up.
package drafts

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/casetrack/field-sync/internal/store"
)

// maxCaseIDLen bounds the case_id frontmatter field. Server case IDs
// are short opaque strings; anything longer is tooling gone wrong.
const maxCaseIDLen = 128

// Draft is one parsed draft file: the target case, the mutation kind,
// and the free-text body.
type Draft struct {
	CaseID   string
	Kind     string
	Status   string
	Priority string
	Note     string
}

type frontmatter struct {
	CaseID   string `yaml:"case_id"`
	Kind     string `yaml:"kind,omitempty"`
	Status   string `yaml:"status,omitempty"`
	Priority string `yaml:"priority,omitempty"`
}

// ParseDraft extracts frontmatter and body from draft file content.
// The kind may be omitted; it is then inferred from which fields are
// set, preferring status over priority over a plain note. Fields a
// kind does not use are dropped.
func ParseDraft(content []byte) (*Draft, error) {
	block, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	var meta frontmatter
	if err := yaml.Unmarshal(block, &meta); err != nil {
		return nil, fmt.Errorf("parsing frontmatter: %w", err)
	}

	if err := validateCaseID(meta.CaseID); err != nil {
		return nil, err
	}

	d := &Draft{
		CaseID:   meta.CaseID,
		Kind:     meta.Kind,
		Status:   strings.TrimSpace(meta.Status),
		Priority: strings.TrimSpace(meta.Priority),
		Note:     strings.TrimSpace(string(body)),
	}

	if d.Kind == "" {
		switch {
		case d.Status != "":
			d.Kind = store.MutationStatusChange
		case d.Priority != "":
			d.Kind = store.MutationPriorityChange
		default:
			d.Kind = store.MutationNote
		}
	}

	switch d.Kind {
	case store.MutationStatusChange:
		if d.Status == "" {
			return nil, fmt.Errorf("draft kind %q requires a status", d.Kind)
		}

		d.Priority = ""
	case store.MutationPriorityChange:
		if d.Priority == "" {
			return nil, fmt.Errorf("draft kind %q requires a priority", d.Kind)
		}

		d.Status = ""
	case store.MutationNote:
		if d.Note == "" {
			return nil, fmt.Errorf("draft note has no body")
		}

		d.Status = ""
		d.Priority = ""
	default:
		return nil, fmt.Errorf("unknown draft kind %q", d.Kind)
	}

	return d, nil
}

// ComposeDraft renders a draft as spool file content: YAML frontmatter
// followed by the note body. The result round-trips through ParseDraft.
func ComposeDraft(d Draft) ([]byte, error) {
	if err := validateCaseID(d.CaseID); err != nil {
		return nil, err
	}

	meta, err := yaml.Marshal(frontmatter{
		CaseID:   d.CaseID,
		Kind:     d.Kind,
		Status:   strings.TrimSpace(d.Status),
		Priority: strings.TrimSpace(d.Priority),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding frontmatter: %w", err)
	}

	var b bytes.Buffer

	b.WriteString("---\n")
	b.Write(meta)
	b.WriteString("---\n")

	if note := strings.TrimSpace(d.Note); note != "" {
		b.WriteString(note)
		b.WriteByte('\n')
	}

	return b.Bytes(), nil
}

// Mutation materializes the draft as a queue entry keyed by its source
// path, so repeated saves of one file update one entry.
func (d *Draft) Mutation(source string) store.PendingMutation {
	return store.PendingMutation{
		CaseID:   d.CaseID,
		Kind:     d.Kind,
		Status:   d.Status,
		Priority: d.Priority,
		Note:     d.Note,
		Source:   source,
	}
}

// splitFrontmatter returns the YAML block and the body. The block must
// open the file with "---" and close with "---" on its own line.
func splitFrontmatter(content []byte) (block, body []byte, err error) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, nil, fmt.Errorf("draft has no frontmatter")
	}

	rest := content[3:]

	// Skip the rest of the opening line (could be "---\n" or "---\r\n").
	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil, nil, fmt.Errorf("draft frontmatter is not terminated")
	}
	rest = rest[idx+1:]

	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return nil, nil, fmt.Errorf("draft frontmatter is not terminated")
	}

	body = rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	} else {
		body = nil
	}

	return rest[:end], body, nil
}

func validateCaseID(id string) error {
	if id == "" {
		return fmt.Errorf("draft has no case_id")
	}

	if len(id) > maxCaseIDLen {
		return fmt.Errorf("case_id longer than %d characters", maxCaseIDLen)
	}

	for _, r := range id {
		if r <= ' ' || r == 0x7f {
			return fmt.Errorf("case_id contains whitespace or control characters")
		}
	}

	return nil
}
