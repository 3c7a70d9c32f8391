// Package protocol implements the framing used on the wire: command text
// splitting, the file-transfer write sequence, and the encodings of the
// device's media characteristics.
package protocol

import "unicode/utf8"

// MaxPayloadBytes is the usable bytes per write with a 247-byte ATT MTU
// (MTU minus the 3-byte ATT header, rounded down).
const MaxPayloadBytes = 240

// ChunkText splits a command into writes that each fit within maxBytes.
// It prefers splitting after a space and never splits inside a UTF-8
// character; a single rune wider than maxBytes becomes its own chunk.
// Returns nil for empty text or a non-positive limit.
func ChunkText(text string, maxBytes int) []string {
	if len(text) == 0 || maxBytes <= 0 {
		return nil
	}

	var chunks []string
	for len(text) > maxBytes {
		split := maxBytes
		for split > 0 && !utf8.RuneStart(text[split]) {
			split--
		}
		if split == 0 {
			_, size := utf8.DecodeRuneInString(text)
			chunks = append(chunks, text[:size])
			text = text[size:]
			continue
		}

		// Keep the space in the earlier chunk so joining is lossless.
		cut := split
		for i := split; i > 0; i-- {
			if text[i-1] == ' ' {
				cut = i
				break
			}
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		chunks = append(chunks, text)
	}
	return chunks
}
