package telegram

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ContentType is the typed-content classification used by the content
// policy's per-type switches (spec §4.6.2).
type ContentType string

const (
	ContentForwarded ContentType = "forwarded"
	ContentAudio     ContentType = "audio"
	ContentSticker   ContentType = "sticker"
	ContentMedia     ContentType = "media"
	ContentLink      ContentType = "link"
	ContentText      ContentType = "text"
)

// ClassifyContent returns the single highest-priority classification
// for msg, checked in the fixed priority order forwarded (user, group,
// or channel) > audio/voice > sticker/animation > media
// (photo/video/document) > link-bearing > plain text (spec §4.6.2) —
// a message is classified once, by the first rule it matches.
func ClassifyContent(msg *tgbotapi.Message) ContentType {
	if msg == nil {
		return ContentText
	}
	if msg.ForwardFrom != nil || msg.ForwardFromChat != nil || msg.ForwardSenderName != "" {
		return ContentForwarded
	}
	if msg.Voice != nil || msg.Audio != nil {
		return ContentAudio
	}
	if msg.Sticker != nil || msg.Animation != nil {
		return ContentSticker
	}
	if msg.Photo != nil || msg.Video != nil || msg.Document != nil || msg.VideoNote != nil {
		return ContentMedia
	}
	if containsLink(msg) {
		return ContentLink
	}
	return ContentText
}

// IsForwardedFromChannel reports whether msg was forwarded from a
// channel, which additionally requires enable_channel_forwarding on
// top of enable_forward_forwarding (spec §4.6.2).
func IsForwardedFromChannel(msg *tgbotapi.Message) bool {
	return msg != nil && msg.ForwardFromChat != nil && msg.ForwardFromChat.IsChannel()
}

// ClassifiedMessage is the normalized view of an inbound message that
// the policy pipeline and relay engine operate on, decoupling them
// from the raw tgbotapi.Message shape.
type ClassifiedMessage struct {
	Raw                   *tgbotapi.Message
	Type                  ContentType
	Text                  string
	ForwardedFromChannel  bool
}

// Classify builds a ClassifiedMessage from a raw update message.
func Classify(msg *tgbotapi.Message) *ClassifiedMessage {
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	return &ClassifiedMessage{
		Raw:                  msg,
		Type:                 ClassifyContent(msg),
		Text:                 text,
		ForwardedFromChannel: IsForwardedFromChannel(msg),
	}
}

func containsLink(msg *tgbotapi.Message) bool {
	for _, e := range msg.Entities {
		if e.Type == "url" || e.Type == "text_link" {
			return true
		}
	}
	for _, e := range msg.CaptionEntities {
		if e.Type == "url" || e.Type == "text_link" {
			return true
		}
	}
	return false
}
