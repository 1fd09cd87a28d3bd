package telegram

import (
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/require"
)

func TestClassifyContentPriorityOrder(t *testing.T) {
	// Forwarded wins over everything else, including an attached photo.
	msg := &tgbotapi.Message{
		ForwardFrom: &tgbotapi.User{ID: 1},
		Photo:       []tgbotapi.PhotoSize{{FileID: "x"}},
	}
	require.Equal(t, ContentForwarded, ClassifyContent(msg))

	require.Equal(t, ContentAudio, ClassifyContent(&tgbotapi.Message{Voice: &tgbotapi.Voice{FileID: "v"}}))
	require.Equal(t, ContentSticker, ClassifyContent(&tgbotapi.Message{Sticker: &tgbotapi.Sticker{FileID: "s"}}))
	require.Equal(t, ContentMedia, ClassifyContent(&tgbotapi.Message{Photo: []tgbotapi.PhotoSize{{FileID: "p"}}}))

	linkMsg := &tgbotapi.Message{
		Text:     "visit https://example.com",
		Entities: []tgbotapi.MessageEntity{{Type: "url", Offset: 6, Length: 19}},
	}
	require.Equal(t, ContentLink, ClassifyContent(linkMsg))

	require.Equal(t, ContentText, ClassifyContent(&tgbotapi.Message{Text: "hello"}))
}

func TestIsTopicLost(t *testing.T) {
	require.True(t, IsTopicLost(errors.New("Bad Request: message thread not found")))
	require.True(t, IsTopicLost(errors.New("TOPIC_DELETED")))
	require.False(t, IsTopicLost(errors.New("Bad Request: chat not found")))
	require.False(t, IsTopicLost(nil))
}
