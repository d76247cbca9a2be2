package syncer

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/casetrack/field-sync/internal/store"
)

const (
	// diffCleanupThreshold is the minimum number of diffs before running
	// the semantic cleanup pass. Below this count the diffs are simple
	// enough that cleanup would not improve the result.
	diffCleanupThreshold = 2

	// equalKeepRunes is how much of an unchanged run survives on each
	// side before the middle is elided.
	equalKeepRunes = 16

	// maxDiffLen caps a journal entry's rendered diff. The journal is a
	// bounded audit trail, not a backup.
	maxDiffLen = 2048
)

// syncedFields are the server-owned case fields compared during merges,
// in journal order. Names match the record's wire names.
var syncedFields = []struct {
	name string
	get  func(*store.CaseRecord) string
}{
	{"caseNumber", func(c *store.CaseRecord) string { return c.CaseNumber }},
	{"title", func(c *store.CaseRecord) string { return c.Title }},
	{"status", func(c *store.CaseRecord) string { return c.Status }},
	{"priority", func(c *store.CaseRecord) string { return c.Priority }},
	{"assignedTo", func(c *store.CaseRecord) string { return c.AssignedTo }},
	{"clientName", func(c *store.CaseRecord) string { return c.ClientName }},
	{"summary", func(c *store.CaseRecord) string { return c.Summary }},
}

// journalOverwrite records a merge that replaced synced fields on a
// case carrying pending local mutations. Fields still shadowed by the
// queue were not overwritten and are excluded. Returns false when the
// server changed nothing outside the shadowed set.
func (e *Engine) journalOverwrite(prev, incoming *store.CaseRecord, kept []string) (bool, error) {
	changed := overwrittenFields(prev, incoming, kept)
	if len(changed) == 0 {
		return false, nil
	}

	entry := store.ConflictEntry{
		CaseID:     incoming.ID,
		Fields:     changed,
		Diff:       renderFieldDiffs(prev, incoming, changed),
		OccurredAt: time.Now().UnixMilli(),
	}

	if err := e.store.AppendConflict(entry); err != nil {
		return false, err
	}

	return true, nil
}

func overwrittenFields(prev, incoming *store.CaseRecord, kept []string) []string {
	shadowed := make(map[string]bool, len(kept))
	for _, f := range kept {
		shadowed[f] = true
	}

	var changed []string

	for _, f := range syncedFields {
		if shadowed[f.name] {
			continue
		}

		if f.get(prev) != f.get(incoming) {
			changed = append(changed, f.name)
		}
	}

	return changed
}

// renderFieldDiffs produces one line per overwritten field with a
// compact inline diff, deletions as [-x-] and insertions as [+y+].
func renderFieldDiffs(prev, incoming *store.CaseRecord, fields []string) string {
	dmp := diffmatchpatch.New()

	var b strings.Builder

	for _, f := range syncedFields {
		if !contains(fields, f.name) {
			continue
		}

		if b.Len() > 0 {
			b.WriteByte('\n')
		}

		b.WriteString(f.name)
		b.WriteString(": ")
		b.WriteString(compactDiff(dmp, f.get(prev), f.get(incoming)))
	}

	return truncateRunes(b.String(), maxDiffLen)
}

func compactDiff(dmp *diffmatchpatch.DiffMatchPatch, before, after string) string {
	diffs := dmp.DiffMain(before, after, true)
	if len(diffs) > diffCleanupThreshold {
		diffs = dmp.DiffCleanupSemantic(diffs)
	}

	var b strings.Builder

	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString("[-")
			b.WriteString(d.Text)
			b.WriteString("-]")
		case diffmatchpatch.DiffInsert:
			b.WriteString("[+")
			b.WriteString(d.Text)
			b.WriteString("+]")
		default:
			b.WriteString(elideMiddle(d.Text))
		}
	}

	return b.String()
}

// elideMiddle keeps the edges of a long unchanged run; the edges are
// what anchor the changed parts for a reader.
func elideMiddle(s string) string {
	r := []rune(s)
	if len(r) <= equalKeepRunes*2+1 {
		return s
	}

	return string(r[:equalKeepRunes]) + "…" + string(r[len(r)-equalKeepRunes:])
}

func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}

	cut := max - len("…")
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut] + "…"
}

func contains(list []string, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}

	return false
}
