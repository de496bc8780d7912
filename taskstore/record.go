package taskstore

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/watchkit/errors"
)

// Records are stored as a TOML metadata block between +++ delimiters,
// followed by a free-text body. The format stays human-readable because a
// human approver may edit or move a record file directly.
const frontMatterDelim = "+++"

// recordMeta is the TOML representation of a task's metadata block.
type recordMeta struct {
	ID           string                 `toml:"id"`
	Kind         string                 `toml:"kind"`
	State        string                 `toml:"state"`
	Priority     string                 `toml:"priority"`
	DedupeKey    string                 `toml:"dedupe_key"`
	ClaimedBy    string                 `toml:"claimed_by,omitempty"`
	OriginZone   string                 `toml:"origin_zone"`
	CreatedAt    time.Time              `toml:"created_at"`
	UpdatedAt    time.Time              `toml:"updated_at"`
	AttemptCount int                    `toml:"attempt_count"`
	Payload      map[string]interface{} `toml:"payload,omitempty"`
}

// EncodeRecord renders a task to its on-disk record form.
func EncodeRecord(t *Task) ([]byte, error) {
	meta := recordMeta{
		ID:           t.ID,
		Kind:         t.Kind,
		State:        string(t.State),
		Priority:     string(t.Priority),
		DedupeKey:    t.DedupeKey,
		ClaimedBy:    t.ClaimedBy,
		OriginZone:   t.OriginZone,
		CreatedAt:    t.CreatedAt.UTC(),
		UpdatedAt:    t.UpdatedAt.UTC(),
		AttemptCount: t.AttemptCount,
		Payload:      t.Payload,
	}

	var buf bytes.Buffer
	buf.WriteString(frontMatterDelim + "\n")
	if err := toml.NewEncoder(&buf).Encode(meta); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "encode record metadata",
			errors.WithTaskID(t.ID))
	}
	buf.WriteString(frontMatterDelim + "\n")
	if t.Body != "" {
		buf.WriteString(t.Body)
		if !strings.HasSuffix(t.Body, "\n") {
			buf.WriteString("\n")
		}
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses an on-disk record. The caller supplies the bucket
// the file was found in; the embedded state field is only cross-checked.
func DecodeRecord(data []byte, bucket Bucket) (*Task, error) {
	text := string(data)
	lines := strings.SplitAfter(text, "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\n") != frontMatterDelim {
		return nil, errors.New(errors.CodeParseFailure, "record missing front matter delimiter")
	}

	var metaLines []string
	bodyStart := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\n") == frontMatterDelim {
			bodyStart = i + 1
			break
		}
		metaLines = append(metaLines, lines[i])
	}
	if bodyStart < 0 {
		return nil, errors.New(errors.CodeParseFailure, "record front matter not terminated")
	}

	var meta recordMeta
	if err := toml.Unmarshal([]byte(strings.Join(metaLines, "")), &meta); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeParseFailure, "decode record metadata")
	}
	if meta.ID == "" || meta.Kind == "" {
		return nil, errors.New(errors.CodeParseFailure, "record missing id or kind")
	}

	body := strings.Join(lines[bodyStart:], "")

	t := &Task{
		ID:           meta.ID,
		Kind:         meta.Kind,
		DedupeKey:    meta.DedupeKey,
		State:        Bucket(meta.State),
		Priority:     Priority(meta.Priority),
		Payload:      meta.Payload,
		Body:         body,
		ClaimedBy:    meta.ClaimedBy,
		OriginZone:   meta.OriginZone,
		CreatedAt:    meta.CreatedAt,
		UpdatedAt:    meta.UpdatedAt,
		AttemptCount: meta.AttemptCount,
	}

	// The bucket is the source of truth. A human may have moved the file
	// without editing the metadata; follow the directory.
	if bucket != "" && t.State != bucket {
		t.State = bucket
	}
	return t, nil
}

// recordFileName returns the file name for a task id.
func recordFileName(id string) string {
	return fmt.Sprintf("%s.task", id)
}
