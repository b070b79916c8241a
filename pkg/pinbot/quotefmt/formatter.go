// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package quotefmt builds the archive message that quotes a pinned Matrix
// message from another room.
//
// The plain-text body is the canonical representation: it is readable on
// every client, including ones that cannot resolve the cross-room reply
// reference. The HTML body and the reply relation are best-effort extras.
package quotefmt

import (
	"html"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ReferenceKey is the content key carrying the structured source reference.
const ReferenceKey = "net.aiku.pinbot.source"

// Source is the original message being quoted.
type Source struct {
	RoomID  id.RoomID
	EventID id.EventID
	Sender  id.UserID
	MsgType event.MessageType
	Body    string
	// URL is the mxc:// URI of the media for image messages.
	URL id.ContentURIString
}

// Reference points back to the quoted event.
type Reference struct {
	RoomID  id.RoomID  `json:"room_id"`
	EventID id.EventID `json:"event_id"`
	Sender  id.UserID  `json:"sender,omitempty"`
}

// Quote is a formatted archive message ready to be sent.
type Quote struct {
	Content   *event.MessageEventContent
	Reference Reference
}

// crossRoomReply is m.relates_to with the unstable room_id field on the
// in-reply-to object. Clients that don't support cross-room replies ignore
// the extra field and fail to render the preview; the body still carries
// the quote.
type crossRoomReply struct {
	InReplyTo Reference `json:"m.in_reply_to"`
}

// Format builds the archive quote for src.
func Format(src *Source) *Quote {
	if src == nil {
		return nil
	}
	return &Quote{
		Content: &event.MessageEventContent{
			MsgType:       event.MsgText,
			Body:          PlainText(src),
			Format:        event.FormatHTML,
			FormattedBody: HTML(src),
			// Quoting someone must not ping them again.
			Mentions: &event.Mentions{},
		},
		Reference: Reference{
			RoomID:  src.RoomID,
			EventID: src.EventID,
			Sender:  src.Sender,
		},
	}
}

// PlainText renders the fallback body:
//
//	> @sender:server in !room:server: first line
//	> second line
func PlainText(src *Source) string {
	lines := splitLines(src.Body)
	var sb strings.Builder
	sb.WriteString("> ")
	sb.WriteString(string(src.Sender))
	sb.WriteString(" in ")
	sb.WriteString(string(src.RoomID))
	sb.WriteString(": ")
	sb.WriteString(lines[0])
	for _, line := range lines[1:] {
		sb.WriteString("\n> ")
		sb.WriteString(line)
	}
	return sb.String()
}

// HTML renders the rich body. The original text is always escaped, so
// markup in the pinned message (including its own formatted_body, which is
// never used) can't break out of the blockquote.
func HTML(src *Source) string {
	var sb strings.Builder
	sb.WriteString("<blockquote><p>")
	sb.WriteString(`<a href="`)
	sb.WriteString(html.EscapeString(src.Sender.URI().MatrixToURL()))
	sb.WriteString(`">`)
	sb.WriteString(html.EscapeString(string(src.Sender)))
	sb.WriteString("</a> in ")
	sb.WriteString(`<a href="`)
	sb.WriteString(html.EscapeString(src.RoomID.EventURI(src.EventID).MatrixToURL()))
	sb.WriteString(`">`)
	sb.WriteString(html.EscapeString(string(src.RoomID)))
	sb.WriteString("</a>:</p><p>")

	lines := splitLines(src.Body)
	for i, line := range lines {
		if i > 0 {
			sb.WriteString("<br/>")
		}
		sb.WriteString(html.EscapeString(line))
	}
	sb.WriteString("</p>")

	if src.MsgType == event.MsgImage && strings.HasPrefix(string(src.URL), "mxc://") {
		sb.WriteString(`<img src="`)
		sb.WriteString(html.EscapeString(string(src.URL)))
		sb.WriteString(`" alt="`)
		sb.WriteString(html.EscapeString(src.Body))
		sb.WriteString(`">`)
	}
	sb.WriteString("</blockquote>")
	return sb.String()
}

// Wire returns the event content to send. The reply relation and the
// source reference are merged into the raw content next to the parsed
// message fields.
func (q *Quote) Wire() *event.Content {
	return &event.Content{
		Parsed: q.Content,
		Raw: map[string]any{
			"m.relates_to": crossRoomReply{InReplyTo: Reference{
				RoomID:  q.Reference.RoomID,
				EventID: q.Reference.EventID,
			}},
			ReferenceKey: q.Reference,
		},
	}
}

func splitLines(body string) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	return strings.Split(body, "\n")
}
