package generator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"
	"time"

	"genpipeline/internal/domain"
	"genpipeline/internal/infra"
)

// SyntheticGenerator produces deterministic artifacts without calling a
// provider. It keeps the pipeline runnable in local and CI environments
// where no API key is configured.
type SyntheticGenerator struct {
	// StepDelay is slept between progress reports to mimic model latency.
	StepDelay time.Duration
	logger    infra.Logger
}

func NewSyntheticGenerator(stepDelay time.Duration, logger infra.Logger) *SyntheticGenerator {
	return &SyntheticGenerator{StepDelay: stepDelay, logger: logger}
}

func (g *SyntheticGenerator) Invoke(ctx context.Context, req Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		artifacts []Artifact
		err       error
	)
	switch req.Kind {
	case domain.TaskKindCopy:
		artifacts, err = g.copy(req)
	case domain.TaskKindImage:
		artifacts, err = g.images(req)
	case domain.TaskKindVideo:
		artifacts, err = g.video(req)
	default:
		err = Permanent(fmt.Errorf("unsupported task kind %q", req.Kind))
	}
	if err != nil {
		return nil, err
	}

	for i, step := range []int{25, 50, 75} {
		if err := g.pause(ctx); err != nil {
			return nil, err
		}
		req.report(step, fmt.Sprintf("rendering %d/3", i+1))
	}

	g.logger.Debug().
		Str("task_id", req.TaskID).
		Str("kind", string(req.Kind)).
		Int("artifacts", len(artifacts)).
		Msg("generator: produced synthetic artifacts")

	return &Result{Artifacts: artifacts, Model: "synthetic"}, nil
}

func (g *SyntheticGenerator) pause(ctx context.Context) error {
	if g.StepDelay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(g.StepDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *SyntheticGenerator) copy(req Request) ([]Artifact, error) {
	p, err := decodeParams[domain.CopyParams](req.Params)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(p.ProductName)
	var lines []string
	if firstNonEmpty(p.Locale, "id") == "en" {
		lines = []string{
			fmt.Sprintf("Meet %s, made for every day.", name),
			fmt.Sprintf("Order %s today and see the difference.", name),
		}
	} else {
		lines = []string{
			fmt.Sprintf("Kenalan dengan %s, teman setiap hari.", name),
			fmt.Sprintf("Pesan %s sekarang dan rasakan bedanya.", name),
		}
	}
	if len(p.Keywords) > 0 {
		lines = append(lines, "#"+strings.Join(p.Keywords, " #"))
	}
	return []Artifact{{Data: []byte(strings.Join(lines, "\n")), MIME: "text/plain"}}, nil
}

func (g *SyntheticGenerator) images(req Request) ([]Artifact, error) {
	p, err := decodeParams[domain.ImageParams](req.Params)
	if err != nil {
		return nil, err
	}
	quantity := clampQuantity(p.Quantity)
	width, height := normalizeAspect(p.AspectRatio)
	out := make([]Artifact, quantity)
	for i := 0; i < quantity; i++ {
		seed := deterministicSeed(req.TaskID, p.Prompt, p.Style, p.Locale, i)
		data := renderSyntheticImage(width, height, seed)
		if data == nil {
			return nil, Transient(fmt.Errorf("encode synthetic image %d", i))
		}
		out[i] = Artifact{Data: data, MIME: "image/png", Width: width, Height: height}
	}
	return out, nil
}

func (g *SyntheticGenerator) video(req Request) ([]Artifact, error) {
	p, err := decodeParams[domain.VideoParams](req.Params)
	if err != nil {
		return nil, err
	}
	seed := deterministicSeed(req.TaskID, p.Prompt, p.Locale, 0)
	duration := p.DurationSeconds
	if duration <= 0 {
		duration = estimateVideoLength(p.Prompt)
	}
	lines := []string{
		"Synthetic video placeholder",
		fmt.Sprintf("Seed: %s", seed),
		fmt.Sprintf("Duration: %ds", duration),
		fmt.Sprintf("Aspect ratio: %s", firstNonEmpty(p.AspectRatio, domain.DefaultVideoAR)),
		fmt.Sprintf("Prompt: %s", strings.TrimSpace(p.Prompt)),
	}
	return []Artifact{{Data: []byte(strings.Join(lines, "\n")), MIME: "video/mp4"}}, nil
}

func renderSyntheticImage(width, height int, seed string) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	base := colorFromSeed(seed, 0)
	accent := colorFromSeed(seed, 1)
	draw.Draw(img, img.Bounds(), &image.Uniform{base}, image.Point{}, draw.Src)

	stripe := max(32, height/12)
	for y := 0; y < height; y += stripe * 2 {
		r := image.Rect(0, y, width, min(height, y+stripe))
		draw.Draw(img, r, &image.Uniform{accent}, image.Point{}, draw.Over)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}

func colorFromSeed(seed string, shift int) color.RGBA {
	if len(seed) < 6 {
		seed = "000000"
	}
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	return color.RGBA{R: hexByte(segment[0:2]), G: hexByte(segment[2:4]), B: hexByte(segment[4:6]), A: 255}
}

func hexByte(s string) uint8 {
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0
	}
	return uint8(v)
}

func deterministicSeed(parts ...any) string {
	h := sha256.New()
	for _, part := range parts {
		fmt.Fprintf(h, "%v|", part)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// normalizeAspect maps an aspect ratio to synthetic pixel dimensions. The
// sizes are kept small so tests and local runs stay fast.
func normalizeAspect(aspect string) (int, int) {
	switch strings.TrimSpace(aspect) {
	case "16:9":
		return 320, 180
	case "9:16":
		return 180, 320
	case "4:3":
		return 320, 240
	case "3:4":
		return 240, 320
	default:
		return 256, 256
	}
}

func estimateVideoLength(prompt string) int {
	words := len(strings.Fields(prompt))
	length := words / 3
	if length < 8 {
		return 8
	}
	if length > 16 {
		return 16
	}
	return length
}

var _ Generator = (*SyntheticGenerator)(nil)
