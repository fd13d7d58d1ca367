package recognition

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
)

type visionModel struct {
	content string
	err     error
	input   []*schema.Message
}

func (m *visionModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.input = input
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.content, nil), nil
}

func (m *visionModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func (m *visionModel) BindTools([]*schema.ToolInfo) error { return nil }

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestRecognizeImage(t *testing.T) {
	m := &visionModel{content: `{"landmarks":["Eiffel Tower"],"description":"Paris at dusk"}`}
	svc, err := NewService(m, nil)
	require.NoError(t, err)

	got, err := svc.Recognize(context.Background(), Request{Kind: KindImage, FileName: "tower.png", Data: pngHeader, Context: "where is this?"})
	require.NoError(t, err)
	assert.Equal(t, chat.KindImage, got.Kind)
	require.NotNil(t, got.Image)
	assert.Equal(t, []string{"Eiffel Tower"}, got.Image.Landmarks)

	require.Len(t, m.input, 2)
	parts := m.input[1].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, schema.ChatMessagePartTypeImageURL, parts[1].Type)
	assert.Contains(t, parts[1].ImageURL.URL, "data:image/png;base64,")
	assert.Contains(t, Summary(got), "Eiffel Tower")
}

func TestRecognizeTextDocument(t *testing.T) {
	m := &visionModel{content: "```json\n" + `{"documentType":"train ticket","fields":{"from":"Rome","to":"Florence"},"summary":"Departs 9:15"}` + "\n```"}
	svc, err := NewService(m, nil)
	require.NoError(t, err)

	got, err := svc.Recognize(context.Background(), Request{Kind: KindDocument, MimeType: "text/plain", Data: []byte("Roma Termini -> Firenze SMN 09:15")})
	require.NoError(t, err)
	require.NotNil(t, got.Document)
	assert.Equal(t, "Florence", got.Document.Fields["to"])
	assert.Equal(t, "This is a train ticket. Departs 9:15", Summary(got))
}

func TestRecognizeRejectsBadInput(t *testing.T) {
	m := &visionModel{}
	svc, err := NewService(m, nil)
	require.NoError(t, err)

	cases := []Request{
		{Kind: KindImage},
		{Kind: "video", Data: pngHeader},
		{Kind: KindImage, MimeType: "application/zip", Data: []byte("PK")},
	}
	for _, req := range cases {
		_, err := svc.Recognize(context.Background(), req)
		require.ErrorIs(t, err, apperr.ErrValidation)
	}
	assert.Nil(t, m.input)
}

func TestRecognizeServiceFailure(t *testing.T) {
	svc, err := NewService(&visionModel{err: errors.New("503")}, nil)
	require.NoError(t, err)

	_, err = svc.Recognize(context.Background(), Request{Kind: KindImage, Data: pngHeader})
	require.ErrorIs(t, err, apperr.ErrServiceUnavailable)
}
