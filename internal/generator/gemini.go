package generator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genpipeline/internal/domain"
	"genpipeline/internal/infra"
	"genpipeline/internal/retry"
)

// Options controls how the Gemini-compatible generator is configured.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     infra.Logger
}

// HTTPGenerator calls a Gemini-compatible generateContent endpoint. Rate
// limits and 5xx answers are transient, other 4xx answers are permanent.
type HTTPGenerator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     infra.Logger
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts,omitempty"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
	FileData   *geminiFileData   `json:"fileData,omitempty"`
}

type geminiTool struct {
	ImageGeneration *struct{} `json:"image_generation,omitempty"`
	VideoGeneration *struct{} `json:"video_generation,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type geminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri,omitempty"`
}

type geminiGenerationConfig struct {
	CandidateCount   int    `json:"candidateCount,omitempty"`
	ResponseMimeType string `json:"responseMimeType,omitempty"`
}

type geminiToolConfig struct {
	ImageGenerationConfig *geminiImageGenerationConfig `json:"image_generation_config,omitempty"`
}

type geminiImageGenerationConfig struct {
	NumberOfImages int    `json:"number_of_images,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent         `json:"contents"`
	Tools            []geminiTool            `json:"tools,omitempty"`
	ToolConfig       *geminiToolConfig       `json:"tool_config,omitempty"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// NewHTTPGenerator constructs the generator with defaults for the base URL
// and model. A nil HTTP client gets one without a timeout of its own since
// every call carries the worker's deadline.
func NewHTTPGenerator(opts Options) (*HTTPGenerator, error) {
	key := strings.TrimSpace(opts.APIKey)
	if key == "" {
		return nil, errors.New("generator: api key is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := opts.Model
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &HTTPGenerator{
		apiKey:     key,
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     opts.Logger,
	}, nil
}

// Model returns the configured model identifier.
func (g *HTTPGenerator) Model() string {
	return g.model
}

func (g *HTTPGenerator) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := WithDeadline(ctx, req)
	defer cancel()

	var (
		payload geminiRequest
		limit   = 1
		err     error
	)
	switch req.Kind {
	case domain.TaskKindCopy:
		payload, err = copyPayload(req.Params)
	case domain.TaskKindImage:
		payload, limit, err = imagePayload(req.Params)
	case domain.TaskKindVideo:
		payload, err = videoPayload(req.Params)
	default:
		err = Permanent(fmt.Errorf("unsupported task kind %q", req.Kind))
	}
	if err != nil {
		return nil, err
	}

	req.report(10, "calling model")
	var response geminiResponse
	if err := g.invoke(ctx, fmt.Sprintf("/models/%s:generateContent", url.PathEscape(g.model)), payload, &response); err != nil {
		return nil, err
	}
	req.report(80, "collecting output")

	var artifacts []Artifact
	if req.Kind == domain.TaskKindCopy {
		text := collectText(response)
		if text == "" {
			return nil, Transient(errors.New("model returned no text"))
		}
		artifacts = append(artifacts, Artifact{Data: []byte(text), MIME: "text/plain"})
	} else {
		artifacts, err = g.collectMedia(ctx, response, limit)
		if err != nil {
			return nil, err
		}
		if len(artifacts) == 0 {
			return nil, Transient(fmt.Errorf("model returned no %s content", req.Kind))
		}
	}

	g.logger.Debug().
		Str("task_id", req.TaskID).
		Str("kind", string(req.Kind)).
		Str("model", g.model).
		Int("artifacts", len(artifacts)).
		Msg("generator: remote generation finished")

	return &Result{Artifacts: artifacts, Model: g.model}, nil
}

func copyPayload(raw json.RawMessage) (geminiRequest, error) {
	p, err := decodeParams[domain.CopyParams](raw)
	if err != nil {
		return geminiRequest{}, err
	}
	return geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: []geminiPart{{Text: buildCopyPrompt(p)}}}},
		GenerationConfig: &geminiGenerationConfig{CandidateCount: 1, ResponseMimeType: "text/plain"},
	}, nil
}

func imagePayload(raw json.RawMessage) (geminiRequest, int, error) {
	p, err := decodeParams[domain.ImageParams](raw)
	if err != nil {
		return geminiRequest{}, 0, err
	}
	quantity := clampQuantity(p.Quantity)
	return geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: buildImagePrompt(p)}}}},
		Tools:    []geminiTool{{ImageGeneration: &struct{}{}}},
		ToolConfig: &geminiToolConfig{
			ImageGenerationConfig: &geminiImageGenerationConfig{
				NumberOfImages: quantity,
				AspectRatio:    firstNonEmpty(p.AspectRatio, domain.DefaultAspect),
			},
		},
	}, quantity, nil
}

func videoPayload(raw json.RawMessage) (geminiRequest, error) {
	p, err := decodeParams[domain.VideoParams](raw)
	if err != nil {
		return geminiRequest{}, err
	}
	return geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: buildVideoPrompt(p)}}}},
		Tools:    []geminiTool{{VideoGeneration: &struct{}{}}},
	}, nil
}

func (g *HTTPGenerator) invoke(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	q := req.URL.Query()
	q.Set("key", g.apiKey)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return Transient(fmt.Errorf("invoke gemini: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Transient(fmt.Errorf("decode gemini response: %w", err))
	}
	return nil
}

func statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	msg := strings.TrimSpace(string(data))
	var apiErr geminiErrorResponse
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	cause := fmt.Errorf("gemini: %s", msg)
	if retry.IsRetryableStatus(resp.StatusCode) {
		return &TransientError{Status: resp.StatusCode, Err: cause}
	}
	return &PermanentError{Status: resp.StatusCode, Err: cause}
}

func collectText(resp geminiResponse) string {
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			if t := strings.TrimSpace(part.Text); t != "" {
				if b.Len() > 0 {
					b.WriteString("\n")
				}
				b.WriteString(t)
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return b.String()
}

func (g *HTTPGenerator) collectMedia(ctx context.Context, resp geminiResponse, limit int) ([]Artifact, error) {
	var artifacts []Artifact
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			a, err := g.decodePart(ctx, part)
			if err != nil {
				return nil, err
			}
			if len(a.Data) == 0 {
				continue
			}
			artifacts = append(artifacts, a)
			if len(artifacts) >= limit {
				return artifacts, nil
			}
		}
	}
	return artifacts, nil
}

func (g *HTTPGenerator) decodePart(ctx context.Context, part geminiPart) (Artifact, error) {
	if part.InlineData != nil && part.InlineData.Data != "" {
		data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return Artifact{}, Transient(fmt.Errorf("decode inline data: %w", err))
		}
		a := Artifact{Data: data, MIME: firstNonEmpty(part.InlineData.MimeType, "application/octet-stream")}
		a.Width, a.Height = decodeImageDimensions(data)
		return a, nil
	}
	if part.FileData != nil && part.FileData.FileURI != "" {
		data, mime, err := g.download(ctx, part.FileData.FileURI)
		if err != nil {
			return Artifact{}, err
		}
		return Artifact{
			Data: data,
			MIME: firstNonEmpty(part.FileData.MimeType, mime),
			URL:  part.FileData.FileURI,
		}, nil
	}
	return Artifact{}, nil
}

func (g *HTTPGenerator) download(ctx context.Context, uri string) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = g.baseURL + "/" + strings.TrimLeft(uri, "/")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", Permanent(fmt.Errorf("create download request: %w", err))
	}
	q := req.URL.Query()
	q.Set("key", g.apiKey)
	req.URL.RawQuery = q.Encode()

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, "", ctxErr
		}
		return nil, "", Transient(fmt.Errorf("download file: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", statusError(resp)
	}
	blob, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", Transient(fmt.Errorf("read file: %w", err))
	}
	return blob, resp.Header.Get("Content-Type"), nil
}

func buildCopyPrompt(p domain.CopyParams) string {
	var b strings.Builder
	locale := firstNonEmpty(p.Locale, "id")
	fmt.Fprintf(&b, "Write short marketing copy for the product %q (%s).", strings.TrimSpace(p.ProductName), p.ProductType)
	if p.Tone != "" {
		fmt.Fprintf(&b, "\nTone: %s", p.Tone)
	}
	if p.Channel != "" {
		fmt.Fprintf(&b, "\nChannel: %s", p.Channel)
	}
	if len(p.Keywords) > 0 {
		fmt.Fprintf(&b, "\nKeywords: %s", strings.Join(p.Keywords, ", "))
	}
	fmt.Fprintf(&b, "\nLocale: %s", locale)
	return b.String()
}

func buildImagePrompt(p domain.ImageParams) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Prompt))
	if p.Style != "" {
		fmt.Fprintf(&b, "\nStyle: %s", p.Style)
	}
	if bg := strings.TrimSpace(p.Background); bg != "" {
		fmt.Fprintf(&b, "\nBackground: %s", bg)
	}
	fmt.Fprintf(&b, "\nAspect ratio: %s", firstNonEmpty(p.AspectRatio, domain.DefaultAspect))
	if p.Locale != "" {
		fmt.Fprintf(&b, "\nLocale: %s", p.Locale)
	}
	return b.String()
}

func buildVideoPrompt(p domain.VideoParams) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Prompt))
	fmt.Fprintf(&b, "\nAspect ratio: %s", firstNonEmpty(p.AspectRatio, domain.DefaultVideoAR))
	if p.DurationSeconds > 0 {
		fmt.Fprintf(&b, "\nDuration: %ds", p.DurationSeconds)
	}
	if p.Locale != "" {
		fmt.Fprintf(&b, "\nLocale: %s", p.Locale)
	}
	return b.String()
}

func clampQuantity(quantity int) int {
	if quantity <= 0 {
		return 1
	}
	if quantity > 4 {
		return 4
	}
	return quantity
}

func decodeImageDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

var _ Generator = (*HTTPGenerator)(nil)

// requestTimeout is the per-request ceiling used when a Request carries no
// deadline of its own.
const requestTimeout = 60 * time.Second

// WithDeadline returns ctx bounded by req.Deadline, or by requestTimeout
// when the request has none.
func WithDeadline(ctx context.Context, req Request) (context.Context, context.CancelFunc) {
	if req.Deadline.IsZero() {
		return context.WithTimeout(ctx, requestTimeout)
	}
	return context.WithDeadline(ctx, req.Deadline)
}
