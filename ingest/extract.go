package ingest

// Extract flattens a raw message into the subject/sender/body view the
// classifier consumes. It is total: a message with no headers and no plain
// text content extracts to empty strings, never an error.
func Extract(msg *RawMessage) ExtractedContent {
	content := ExtractedContent{}
	if msg == nil {
		return content
	}
	content.Snippet = msg.Snippet
	if msg.Payload == nil {
		return content
	}
	for _, header := range msg.Payload.Headers {
		switch header.Name {
		case "Subject":
			content.Subject = header.Value
		case "From":
			content.Sender = header.Value
		}
	}
	content.BodyText = bodyText(msg.Payload)
	return content
}

// bodyText prefers a single inline body; otherwise it concatenates every
// plain-text part in declared order. HTML-only parts and attachments are
// ignored.
func bodyText(payload *MessagePart) string {
	if len(payload.Body) > 0 {
		return string(payload.Body)
	}
	text := ""
	for _, part := range payload.Parts {
		text += plainText(part)
	}
	return text
}

func plainText(part *MessagePart) string {
	if part == nil {
		return ""
	}
	if part.MimeType == "text/plain" && len(part.Body) > 0 {
		return string(part.Body)
	}
	text := ""
	for _, nested := range part.Parts {
		text += plainText(nested)
	}
	return text
}
