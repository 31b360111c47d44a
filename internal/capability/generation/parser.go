// Package generation adapts LLM providers to the Generator contract. The
// model is prompted to answer as tagged segments, [S]spoken text[/S]
// optionally followed by [B]board markdown[/B]; the streaming parser below
// turns raw deltas into ordered segments without waiting for the full reply.
package generation

import (
	"strings"

	"github.com/edvolabs/tutorvoice/internal/capability"
)

const (
	tagSpeechOpen  = "[S]"
	tagSpeechClose = "[/S]"
	tagBoardOpen   = "[B]"
	tagBoardClose  = "[/B]"
)

type parserState int

const (
	scanning parserState = iota // waiting for [S]
	inSpeech
	afterSpeech // speech closed, deciding whether a board follows
	inBoard
)

// Parser is a streaming parser for the segment grammar. Tags may be split
// across arbitrary chunk boundaries.
type Parser struct {
	buf    string
	state  parserState
	speech string
	next   int
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends a delta and returns any segments completed by it.
func (p *Parser) Feed(chunk string) []capability.Segment {
	p.buf += chunk
	var out []capability.Segment

	for {
		switch p.state {
		case scanning:
			i := strings.Index(p.buf, tagSpeechOpen)
			if i < 0 {
				return out
			}
			p.buf = p.buf[i+len(tagSpeechOpen):]
			p.state = inSpeech

		case inSpeech:
			i := strings.Index(p.buf, tagSpeechClose)
			if i < 0 {
				return out
			}
			p.speech = strings.TrimSpace(p.buf[:i])
			p.buf = p.buf[i+len(tagSpeechClose):]
			p.state = afterSpeech

		case afterSpeech:
			trimmed := strings.TrimLeft(p.buf, " \t\r\n")
			switch {
			case strings.HasPrefix(trimmed, tagBoardOpen):
				p.buf = trimmed[len(tagBoardOpen):]
				p.state = inBoard
			case strings.HasPrefix(trimmed, tagSpeechOpen):
				// Next segment starts directly: this one has no board.
				out = append(out, p.emit(""))
				p.buf = trimmed
				p.state = scanning
			case trimmed == "" || isOpenTagPrefix(trimmed):
				// Not enough text to decide yet.
				p.buf = trimmed
				return out
			default:
				// Plain text after a closed speech tag: close the segment
				// and let the scanner pick the rest up.
				out = append(out, p.emit(""))
				p.buf = trimmed
				p.state = scanning
			}

		case inBoard:
			i := strings.Index(p.buf, tagBoardClose)
			if i < 0 {
				return out
			}
			board := strings.TrimSpace(p.buf[:i])
			p.buf = p.buf[i+len(tagBoardClose):]
			out = append(out, p.emit(board))
			p.state = scanning
		}
	}
}

// Finalize flushes the trailing partial segment when the stream ends. An
// untagged reply degrades to a single spoken segment rather than being lost.
func (p *Parser) Finalize() *capability.Segment {
	var seg *capability.Segment

	switch p.state {
	case inSpeech:
		if s := strings.TrimSpace(p.buf); s != "" {
			p.speech = s
			v := p.emit("")
			seg = &v
		}
	case afterSpeech:
		v := p.emit("")
		seg = &v
	case inBoard:
		v := p.emit(strings.TrimSpace(p.buf))
		seg = &v
	default:
		if s := strings.TrimSpace(p.buf); s != "" {
			p.speech = s
			v := p.emit("")
			seg = &v
		}
	}

	p.buf = ""
	p.state = scanning
	p.speech = ""
	return seg
}

func (p *Parser) emit(board string) capability.Segment {
	seg := capability.Segment{Index: p.next, Speech: p.speech, Board: board}
	p.next++
	p.speech = ""
	return seg
}

// isOpenTagPrefix reports whether s could still grow into [S] or [B].
func isOpenTagPrefix(s string) bool {
	return len(s) < len(tagSpeechOpen) &&
		(strings.HasPrefix(tagSpeechOpen, s) || strings.HasPrefix(tagBoardOpen, s))
}
