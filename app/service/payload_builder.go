package service

import (
	"math/rand"
	"strconv"
	"strings"
)

// Mode 生成模式，每个模式对应一个任务服务端点
type Mode string

const (
	ModeText       Mode = "text"
	ModeImage      Mode = "image"
	ModeClothing   Mode = "clothing"
	ModeUpscale    Mode = "upscale"
	ModeFix        Mode = "fix"
	ModePlayground Mode = "playground"
)

// ParseMode 解析模式名
func ParseMode(raw string) (Mode, bool) {
	m := Mode(strings.ToLower(strings.TrimSpace(raw)))
	switch m {
	case ModeText, ModeImage, ModeClothing, ModeUpscale, ModeFix, ModePlayground:
		return m, true
	}
	return "", false
}

// MaxSafeInteger 2^53-1，种子需在 JSON 数字中精确表示
const MaxSafeInteger int64 = 1<<53 - 1

const (
	defaultResolution    = "1024x1024"
	defaultUpscaleFactor = 2
)

// Parameters 生成参数
type Parameters struct {
	Resolution string   `json:"resolution"` // "WxH"
	BatchSize  int      `json:"batchSize"`
	Tiling     bool     `json:"tiling"`
	Denoise    *float64 `json:"denoise"`
	Seed       *int64   `json:"seed"`
}

// GenerateInput 构建请求体所需的用户输入，各模式使用其中一部分
type GenerateInput struct {
	Prompt          string     `json:"prompt"`
	NegativePrompt  string     `json:"negativePrompt"`
	ImageURL        string     `json:"imageUrl"`
	SegmentPrompt   string     `json:"segmentPrompt"`
	GarmentImageURL string     `json:"garmentImageUrl"`
	ModelImageURL   string     `json:"modelImageUrl"`
	BackgroundURL   string     `json:"backgroundUrl"`
	UpscaleFactor   int        `json:"upscaleFactor"`
	Parameters      Parameters `json:"parameters"`
}

// PayloadInput 工作流中单个输入节点
type PayloadInput struct {
	Title string `json:"title"`
	Value any    `json:"value"`
}

// Payload 任务服务 run_task 请求体
type Payload struct {
	Inputs map[string]PayloadInput `json:"inputs"`
}

// 各工作流输入节点 ID
var (
	textNodes = struct{ prompt, negative, width, height, batch, tiling, seed string }{
		"709b98371964cf3b", "ce7a36588b205151", "d9ffb92f3b894f8a", "ac9be93bce0b142a",
		"a05845b5bebf1025", "2930f202ea5a73b5", "bdf13c4d02b289e4",
	}
	imageNodes = struct{ width, height, batch, image, tiling, seed, denoise string }{
		"2db6b4bc5c088768", "9336b9b70244786b", "e7d548ea7e3c5e27", "b3d3b23a2e6f162a",
		"c2a233be477e8ae5", "ce20c1748ebbca11", "f41a7c2e9d0b5836",
	}
	clothingNodes = struct{ segment, garment, model string }{
		"0102fe8e458dea8a", "e4517b5e2c3fc1bc", "dece75678d9c12b2",
	}
	upscaleNodes = struct{ image, factor string }{
		"4c7e21b0a9d35f68", "91d3a6e0c4b27f15",
	}
	fixNodes = struct{ background, subject string }{
		"6a0f93d2e1b84c57", "b58e2d7140fa9c36",
	}
)

// BuildPayload 按模式构建任务服务请求体。
// 纯函数：不访问网络与数据库；未提供种子时随机生成。
func BuildPayload(mode Mode, in GenerateInput) (*Payload, error) {
	switch mode {
	case ModeText, ModePlayground:
		return buildTextPayload(in)
	case ModeImage:
		return buildImagePayload(in)
	case ModeClothing:
		return buildClothingPayload(in)
	case ModeUpscale:
		return buildUpscalePayload(in)
	case ModeFix:
		return buildFixPayload(in)
	default:
		return nil, badRequest("未知的生成模式: %s", mode)
	}
}

func buildTextPayload(in GenerateInput) (*Payload, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, badRequest("prompt 不能为空")
	}
	p, err := resolveParameters(in.Parameters)
	if err != nil {
		return nil, err
	}

	return &Payload{Inputs: map[string]PayloadInput{
		textNodes.prompt:   {Title: "Positive Prompt", Value: in.Prompt},
		textNodes.negative: {Title: "Negative Prompt", Value: in.NegativePrompt},
		textNodes.width:    {Title: "Width", Value: p.width},
		textNodes.height:   {Title: "Height", Value: p.height},
		textNodes.batch:    {Title: "Batch Size", Value: p.batchSize},
		textNodes.tiling:   {Title: "Tiling", Value: tilingValue(p.tiling)},
		textNodes.seed:     {Title: "InstaSD API Input - Seed", Value: p.seed},
	}}, nil
}

func buildImagePayload(in GenerateInput) (*Payload, error) {
	if in.ImageURL == "" {
		return nil, badRequest("imageUrl 不能为空")
	}
	p, err := resolveParameters(in.Parameters)
	if err != nil {
		return nil, err
	}

	return &Payload{Inputs: map[string]PayloadInput{
		imageNodes.width:   {Title: "Width", Value: p.width},
		imageNodes.height:  {Title: "Height", Value: p.height},
		imageNodes.batch:   {Title: "Batch Size", Value: p.batchSize},
		imageNodes.image:   {Title: "Image Url", Value: in.ImageURL},
		imageNodes.tiling:  {Title: "Tiling", Value: tilingValue(p.tiling)},
		imageNodes.seed:    {Title: "Seed", Value: p.seed},
		imageNodes.denoise: {Title: "Denoise", Value: p.denoise},
	}}, nil
}

func buildClothingPayload(in GenerateInput) (*Payload, error) {
	if in.GarmentImageURL == "" || in.ModelImageURL == "" {
		return nil, badRequest("garmentImageUrl 与 modelImageUrl 不能为空")
	}

	return &Payload{Inputs: map[string]PayloadInput{
		clothingNodes.segment: {Title: "Segment Prompt", Value: in.SegmentPrompt},
		clothingNodes.garment: {Title: "GARMENT IMAGE", Value: in.GarmentImageURL},
		clothingNodes.model:   {Title: "MODEL IMAGE", Value: in.ModelImageURL},
	}}, nil
}

func buildUpscalePayload(in GenerateInput) (*Payload, error) {
	if in.ImageURL == "" {
		return nil, badRequest("imageUrl 不能为空")
	}
	factor := in.UpscaleFactor
	if factor == 0 {
		factor = defaultUpscaleFactor
	}
	if factor < 1 || factor > 8 {
		return nil, badRequest("upscaleFactor 超出范围: %d", factor)
	}

	return &Payload{Inputs: map[string]PayloadInput{
		upscaleNodes.image:  {Title: "Image Url", Value: in.ImageURL},
		upscaleNodes.factor: {Title: "Upscale Factor", Value: factor},
	}}, nil
}

func buildFixPayload(in GenerateInput) (*Payload, error) {
	if in.ImageURL == "" {
		return nil, badRequest("imageUrl 不能为空")
	}

	return &Payload{Inputs: map[string]PayloadInput{
		fixNodes.background: {Title: "Background Image", Value: in.BackgroundURL},
		fixNodes.subject:    {Title: "Subject Image", Value: in.ImageURL},
	}}, nil
}

type resolvedParameters struct {
	width, height int
	batchSize     int
	tiling        bool
	denoise       float64
	seed          int64
}

func resolveParameters(p Parameters) (resolvedParameters, error) {
	width, height, err := ParseResolution(p.Resolution)
	if err != nil {
		return resolvedParameters{}, err
	}

	batch := p.BatchSize
	if batch == 0 {
		batch = 1
	}
	if batch < 1 {
		return resolvedParameters{}, badRequest("batchSize 必须大于等于 1: %d", p.BatchSize)
	}

	denoise := 1.0
	if p.Denoise != nil {
		denoise = *p.Denoise
		if denoise < 0 || denoise > 1 {
			return resolvedParameters{}, badRequest("denoise 必须在 0 到 1 之间: %v", denoise)
		}
	}

	seed := RandomSeed()
	if p.Seed != nil {
		seed = *p.Seed
		if seed < 0 || seed > MaxSafeInteger {
			return resolvedParameters{}, badRequest("seed 超出安全整数范围: %d", seed)
		}
	}

	return resolvedParameters{
		width:     width,
		height:    height,
		batchSize: batch,
		tiling:    p.Tiling,
		denoise:   denoise,
		seed:      seed,
	}, nil
}

// ParseResolution 解析 "WxH"，空串使用默认分辨率
func ParseResolution(raw string) (int, int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = defaultResolution
	}

	w, h, ok := strings.Cut(strings.ToLower(raw), "x")
	if !ok {
		return 0, 0, badRequest("分辨率格式应为 WxH: %q", raw)
	}
	width, errW := strconv.Atoi(strings.TrimSpace(w))
	height, errH := strconv.Atoi(strings.TrimSpace(h))
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		return 0, 0, badRequest("分辨率格式应为 WxH: %q", raw)
	}
	return width, height, nil
}

// RandomSeed 在 [0, 2^53-1) 上均匀取随机种子
func RandomSeed() int64 {
	return rand.Int63n(MaxSafeInteger)
}

func tilingValue(enabled bool) string {
	if enabled {
		return "enable"
	}
	return "disable"
}
