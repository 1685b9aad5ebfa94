package service

import (
	"context"
	"strings"
	"time"

	"print-studio/app/config"
	"print-studio/app/logger"
	"print-studio/app/metrics"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.uber.org/zap"
)

const describeSystemPrompt = "You analyze garment prints and describe them precisely enough for digital reproduction. " +
	"Describe only the print itself: colors, motifs, repetition, arrangement, texture and artistic style. " +
	"Ignore fabric, cut and fit."

const describeUserPrompt = `Describe the print on the garment in this image so it can be recreated with an image model such as Stable Diffusion.
Cover, in separate sections:
- Colors: every prominent color, gradients, and how the background relates to the motifs.
- Elements: floral, geometric, brushstroke or abstract motifs, with shapes and any layering.
- Repetition: how and at what scale the motifs repeat.
- Arrangement: direction of flow, connections between elements, symmetry.
- Texture: hand-painted, vector-like, transparency, shading.
- Style: the overall artistic style and technique.
- Extras: metallic effects, fine details, recognizable objects.`

// DescribeService 调用视觉模型生成印花描述
type DescribeService struct {
	client openai.Client
	model  openai.ChatModel
	log    *logger.Logger
}

// NewDescribeService 创建印花描述服务，未配置 API Key 时返回 nil
func NewDescribeService(cfg config.OpenAIConfig, log *logger.Logger) *DescribeService {
	if cfg.APIKey == "" {
		return nil
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(1),
		option.WithRequestTimeout(60 * time.Second),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := openai.ChatModel(cfg.Model)
	if model == "" {
		model = openai.ChatModelGPT4o
	}

	return &DescribeService{
		client: openai.NewClient(opts...),
		model:  model,
		log:    log.Named("describe"),
	}
}

// Describe 返回图片中印花的结构化文字描述
func (s *DescribeService) Describe(ctx context.Context, imageURL string) (string, error) {
	if s == nil {
		return "", newError(ErrUpstream, "未配置印花描述服务", nil)
	}
	if strings.TrimSpace(imageURL) == "" {
		return "", badRequest("Image URL is required")
	}

	start := time.Now()
	resp, err := s.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: s.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(describeSystemPrompt),
			openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
				openai.TextContentPart(describeUserPrompt),
				openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
			}),
		},
	})
	metrics.ObserveUpstream("describe", start)
	if err != nil {
		s.log.Error("调用视觉模型失败", zap.String("image_url", imageURL), zap.Error(err))
		return "", newError(ErrUpstream, "Failed to process the image", err)
	}

	if len(resp.Choices) == 0 {
		return "", newError(ErrUpstream, "No description returned", nil)
	}
	description := strings.TrimSpace(resp.Choices[0].Message.Content)
	if description == "" {
		return "", newError(ErrUpstream, "No description returned", nil)
	}
	return description, nil
}
