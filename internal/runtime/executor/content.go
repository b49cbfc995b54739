package executor

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/teampulse/pulse-ai/internal/attachments"
)

// MaxTextAttachmentChars caps how much of a text attachment is inlined.
const MaxTextAttachmentChars = 8000

func capText(text string) string {
	runes := []rune(text)
	if len(runes) <= MaxTextAttachmentChars {
		return text
	}
	return string(runes[:MaxTextAttachmentChars]) + "\n...[truncated]"
}

func labeledText(label, name, body string) string {
	return fmt.Sprintf("[%s: %s]\n%s", label, name, body)
}

func textAttachmentBlock(f attachments.File) string {
	return labeledText("File", f.Name, capText(f.Text))
}

func pdfTextBlock(f attachments.File) string {
	if strings.TrimSpace(f.Text) == "" {
		return labeledText("PDF", f.Name, "(no extractable text)")
	}
	return labeledText("PDF", f.Name, capText(f.Text))
}

func otherAttachmentNote(f attachments.File) string {
	return fmt.Sprintf("[Attachment: %s (%s)]", f.Name, f.MediaType)
}

// openAIContent renders one message as a chat completions message. Plain text
// stays a string; attachments switch to the parts array.
func openAIContent(msg Message) []byte {
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "role", string(msg.Role))
	if len(msg.Attachments) == 0 {
		out, _ = sjson.SetBytes(out, "content", msg.Content)
		return out
	}

	parts := []byte(`[]`)
	if msg.Content != "" {
		parts = appendTextPart(parts, "text", msg.Content)
	}
	for _, f := range msg.Attachments {
		switch f.Kind() {
		case attachments.KindImage:
			part := []byte(`{"type":"image_url"}`)
			part, _ = sjson.SetBytes(part, "image_url.url", "data:"+f.MediaType+";base64,"+base64.StdEncoding.EncodeToString(f.Data))
			parts, _ = sjson.SetRawBytes(parts, "-1", part)
		case attachments.KindPDF:
			parts = appendTextPart(parts, "text", pdfTextBlock(f))
		case attachments.KindText:
			parts = appendTextPart(parts, "text", textAttachmentBlock(f))
		default:
			parts = appendTextPart(parts, "text", otherAttachmentNote(f))
		}
	}
	out, _ = sjson.SetRawBytes(out, "content", parts)
	return out
}

// claudeContent renders the content blocks of one message. PDFs are sent as
// native document blocks.
func claudeContent(msg Message) []byte {
	blocks := []byte(`[]`)
	for _, f := range msg.Attachments {
		switch f.Kind() {
		case attachments.KindImage:
			block := []byte(`{"type":"image","source":{"type":"base64"}}`)
			block, _ = sjson.SetBytes(block, "source.media_type", f.MediaType)
			block, _ = sjson.SetBytes(block, "source.data", base64.StdEncoding.EncodeToString(f.Data))
			blocks, _ = sjson.SetRawBytes(blocks, "-1", block)
		case attachments.KindPDF:
			if len(f.Data) == 0 {
				blocks = appendTextPart(blocks, "text", pdfTextBlock(f))
				continue
			}
			block := []byte(`{"type":"document","source":{"type":"base64","media_type":"application/pdf"}}`)
			block, _ = sjson.SetBytes(block, "source.data", base64.StdEncoding.EncodeToString(f.Data))
			if f.Name != "" {
				block, _ = sjson.SetBytes(block, "title", f.Name)
			}
			blocks, _ = sjson.SetRawBytes(blocks, "-1", block)
		case attachments.KindText:
			blocks = appendTextPart(blocks, "text", textAttachmentBlock(f))
		default:
			blocks = appendTextPart(blocks, "text", otherAttachmentNote(f))
		}
	}
	if msg.Content != "" {
		blocks = appendTextPart(blocks, "text", msg.Content)
	}
	return blocks
}

func appendTextPart(parts []byte, typ, text string) []byte {
	part := []byte(`{}`)
	part, _ = sjson.SetBytes(part, "type", typ)
	part, _ = sjson.SetBytes(part, "text", text)
	parts, _ = sjson.SetRawBytes(parts, "-1", part)
	return parts
}

// splitSystem pulls system messages out of the list, joined in order.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if s := strings.TrimSpace(m.Content); s != "" {
				system = append(system, s)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
