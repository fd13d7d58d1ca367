// Package recognition 调用多模态大模型识别用户上传的图片与文档。
package recognition

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-travel/backend/internal/apperr"
	"github.com/zhouzirui/z-travel/backend/internal/model/chat"
	"github.com/zhouzirui/z-travel/backend/internal/service/resilience"
)

// Kind 区分上传文件的用途。
type Kind string

const (
	KindImage    Kind = "image"
	KindDocument Kind = "document"
)

// MaxFileBytes 限制单个上传文件的大小。
const MaxFileBytes = 10 << 20

// Request 是一次识别请求。
type Request struct {
	Kind     Kind
	FileName string
	MimeType string
	Data     []byte
	Context  string
}

// Service 封装多模态识别调用。
type Service struct {
	chatModel model.ChatModel
	breaker   *resilience.Breaker
}

// NewService 创建识别服务，chatModel 需要支持图片输入。
func NewService(chatModel model.ChatModel, breaker *resilience.Breaker) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	return &Service{chatModel: chatModel, breaker: breaker}, nil
}

// Recognize 返回结构化识别结果。结果只用于生成助手消息，不在本地解释内容。
func (s *Service) Recognize(ctx context.Context, req Request) (chat.RichContent, error) {
	msg, err := buildMessage(req)
	if err != nil {
		return chat.RichContent{}, err
	}

	system := schema.SystemMessage(imageSystemPrompt)
	if req.Kind == KindDocument {
		system = schema.SystemMessage(documentSystemPrompt)
	}

	resp, err := resilience.Call(ctx, s.breaker, func(ctx context.Context) (*schema.Message, error) {
		return s.chatModel.Generate(ctx, []*schema.Message{system, msg})
	})
	if err != nil {
		return chat.RichContent{}, fmt.Errorf("%w: %s recognition: %w", apperr.ErrServiceUnavailable, req.Kind, err)
	}
	if resp == nil {
		return chat.RichContent{}, fmt.Errorf("%w: %s recognition returned no content", apperr.ErrServiceUnavailable, req.Kind)
	}

	content, err := parseResult(req.Kind, resp.Content)
	if err != nil {
		return chat.RichContent{}, fmt.Errorf("%w: %w", apperr.ErrServiceUnavailable, err)
	}
	log.Printf("[recognition] %s %q recognized", req.Kind, req.FileName)
	return content, nil
}

func buildMessage(req Request) (*schema.Message, error) {
	if req.Kind != KindImage && req.Kind != KindDocument {
		return nil, apperr.Validation(fmt.Sprintf("unsupported upload kind %q", req.Kind))
	}
	if len(req.Data) == 0 {
		return nil, apperr.Validation("uploaded file is empty")
	}
	if len(req.Data) > MaxFileBytes {
		return nil, apperr.Validation("uploaded file is too large")
	}

	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(req.Data)
	}
	mimeType = strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])

	instruction := "Analyse the attached file."
	if c := strings.TrimSpace(req.Context); c != "" {
		instruction += " Traveller context: " + c
	}

	switch {
	case strings.HasPrefix(mimeType, "image/"):
		dataURL := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(req.Data)
		return &schema.Message{
			Role: schema.User,
			MultiContent: []schema.ChatMessagePart{
				{Type: schema.ChatMessagePartTypeText, Text: instruction},
				{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: dataURL}},
			},
		}, nil
	case req.Kind == KindDocument && strings.HasPrefix(mimeType, "text/") && utf8.Valid(req.Data):
		return schema.UserMessage(instruction + "\n\n" + string(req.Data)), nil
	default:
		return nil, apperr.Validation(fmt.Sprintf("unsupported file type %q", mimeType))
	}
}

func parseResult(kind Kind, content string) (chat.RichContent, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return chat.RichContent{}, fmt.Errorf("recognition output missing json object")
	}
	raw := []byte(trimmed[start : end+1])

	if kind == KindDocument {
		doc := &chat.DocumentAnalysis{}
		if err := json.Unmarshal(raw, doc); err != nil {
			return chat.RichContent{}, fmt.Errorf("decode document analysis: %w", err)
		}
		if doc.DocumentType == "" {
			doc.DocumentType = "unknown"
		}
		return chat.RichContent{Kind: chat.KindDocument, Document: doc}, nil
	}

	img := &chat.ImageAnalysis{}
	if err := json.Unmarshal(raw, img); err != nil {
		return chat.RichContent{}, fmt.Errorf("decode image analysis: %w", err)
	}
	return chat.RichContent{Kind: chat.KindImage, Image: img}, nil
}

// Summary 把识别结果转成一句助手回复。
func Summary(content chat.RichContent) string {
	switch {
	case content.Image != nil:
		img := content.Image
		if len(img.Landmarks) > 0 {
			return fmt.Sprintf("This looks like %s. %s", strings.Join(img.Landmarks, ", "), img.Description)
		}
		if img.Description != "" {
			return img.Description
		}
		if len(img.Text) > 0 {
			return "I found this text in the image: " + strings.Join(img.Text, " / ")
		}
		return "I couldn't recognise anything specific in this image."
	case content.Document != nil:
		doc := content.Document
		if doc.Summary != "" {
			return fmt.Sprintf("This is a %s. %s", doc.DocumentType, doc.Summary)
		}
		return fmt.Sprintf("This is a %s with %d recognised fields.", doc.DocumentType, len(doc.Fields))
	default:
		return ""
	}
}

const imageSystemPrompt = `You help travellers understand photos. Return only one JSON object:
{"landmarks": [string], "text": [string], "objects": [string], "description": string}`

const documentSystemPrompt = `You help travellers read travel documents (tickets, bookings, passports, receipts, menus). Return only one JSON object:
{"documentType": string, "fields": {"name": "value"}, "summary": string}`
