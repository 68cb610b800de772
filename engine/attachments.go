package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/minio/highwayhash"
	"github.com/tsmada/interflow/store"
)

// Attachment is a span of an inbound payload extracted before persistence.
// The payload keeps a ${ATTACH:id} token in its place; outbound templates
// referencing message content have tokens re-expanded before send.
type Attachment struct {
	ID      string
	Type    string
	Content []byte
}

// AttachmentHandler extracts attachments from an inbound payload.
type AttachmentHandler interface {
	Extract(ctx context.Context, raw string) (string, []Attachment, error)
}

// attachKey seeds content-addressed attachment ids. It is fixed so equal
// content always maps to the same id, letting re-sent messages share rows.
var attachKey = []byte("interflow.attachments.hash.key.0")

// AttachmentID derives the content-addressed id of |content|.
func AttachmentID(content []byte) string {
	return fmt.Sprintf("%016x", highwayhash.Sum64(content, attachKey))
}

// AttachmentToken is the placeholder written into message content for an
// extracted attachment.
func AttachmentToken(id string) string {
	return "${ATTACH:" + id + "}"
}

var attachTokenRe = regexp.MustCompile(`\$\{ATTACH:([0-9a-f]+)\}`)

// Reattach replaces attachment tokens in |content| with the attachment
// bodies in |rows|. Unknown tokens are left in place.
func Reattach(content string, rows []store.AttachmentRow) string {
	if len(rows) == 0 || !strings.Contains(content, "${ATTACH:") {
		return content
	}
	var byID = make(map[string][]byte, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.Content
	}
	return attachTokenRe.ReplaceAllStringFunc(content, func(tok string) string {
		var id = attachTokenRe.FindStringSubmatch(tok)[1]
		if body, ok := byID[id]; ok {
			return string(body)
		}
		return tok
	})
}

// PassthroughAttachmentHandler extracts nothing.
type PassthroughAttachmentHandler struct{}

func (PassthroughAttachmentHandler) Extract(_ context.Context, raw string) (string, []Attachment, error) {
	return raw, nil, nil
}

// RegexAttachmentHandler extracts every match of Pattern as an attachment
// of MimeType.
type RegexAttachmentHandler struct {
	Pattern  *regexp.Regexp
	MimeType string
}

// NewRegexAttachmentHandler compiles |pattern| into a handler.
func NewRegexAttachmentHandler(pattern, mimeType string) (*RegexAttachmentHandler, error) {
	var re, err = regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling attachment pattern: %w", err)
	}
	return &RegexAttachmentHandler{Pattern: re, MimeType: mimeType}, nil
}

func (h *RegexAttachmentHandler) Extract(_ context.Context, raw string) (string, []Attachment, error) {
	var atts []Attachment
	var out = h.Pattern.ReplaceAllStringFunc(raw, func(m string) string {
		var id = AttachmentID([]byte(m))
		atts = append(atts, Attachment{ID: id, Type: h.MimeType, Content: []byte(m)})
		return AttachmentToken(id)
	})
	return out, atts, nil
}
