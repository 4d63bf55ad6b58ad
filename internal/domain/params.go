package domain

// CopyParams configures a marketing copy task.
type CopyParams struct {
	ProductName   string   `json:"product_name" validate:"required,min=2,max=120"`
	ProductType   string   `json:"product_type" validate:"required,oneof=food fashion skincare shoes bag other"`
	Tone          string   `json:"tone" validate:"omitempty,oneof=elegan minimalis luxury fun casual"`
	Channel       string   `json:"channel" validate:"omitempty,oneof=instagram tiktok marketplace whatsapp"`
	Keywords      []string `json:"keywords" validate:"max=10,dive,min=1,max=40"`
	Locale        string   `json:"locale" validate:"omitempty,oneof=id en"`
	SourceAssetID string   `json:"source_asset_id" validate:"omitempty,uuid"`
}

// ImageParams configures an image set task.
type ImageParams struct {
	Prompt        string `json:"prompt" validate:"required,min=3,max=500"`
	Style         string `json:"style" validate:"omitempty,oneof=elegan minimalis luxury fun custom"`
	Background    string `json:"background" validate:"omitempty,max=60"`
	AspectRatio   string `json:"aspect_ratio" validate:"omitempty,oneof=1:1 4:3 3:4 16:9 9:16"`
	Quantity      int    `json:"quantity" validate:"required,min=1,max=4"`
	SourceAssetID string `json:"source_asset_id" validate:"omitempty,uuid"`
	Locale        string `json:"locale" validate:"omitempty,oneof=id en"`
}

// VideoParams configures a short video task.
type VideoParams struct {
	Prompt          string `json:"prompt" validate:"required,min=3,max=500"`
	DurationSeconds int    `json:"duration_seconds" validate:"omitempty,min=4,max=16"`
	AspectRatio     string `json:"aspect_ratio" validate:"omitempty,oneof=16:9 9:16 1:1"`
	SourceAssetID   string `json:"source_asset_id" validate:"omitempty,uuid"`
	Locale          string `json:"locale" validate:"omitempty,oneof=id en"`
}

// Credit prices per unit of work.
const (
	CopyCost       int64 = 1
	ImageUnitCost  int64 = 2
	VideoCost      int64 = 6
	DefaultAspect        = "1:1"
	DefaultVideoAR       = "9:16"
)
