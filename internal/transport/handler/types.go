package handler

type ConvertSingleImageRequest struct {
	DocID      string `json:"docId" validate:"required"`
	ImageField string `json:"imageField" validate:"required"`
}

type ConvertSingleImageResponse struct {
	Success          bool    `json:"success"`
	WebPURL          string  `json:"webpUrl"`
	OriginalSize     int     `json:"originalSize"`
	WebPSize         int     `json:"webpSize"`
	CompressionRatio float64 `json:"compressionRatio"`
}

type ConvertMultipleImagesRequest struct {
	ImageURLs  []string `json:"imageUrls" validate:"required,min=1,dive,url"`
	DocID      string   `json:"docId"`
	ImageField string   `json:"imageField"`
}

// MultiImageResult is one slot of the index-ordered results array; index i
// always corresponds to imageUrls[i].
type MultiImageResult struct {
	Index            int     `json:"index"`
	Success          bool    `json:"success"`
	WebPURL          string  `json:"webpUrl,omitempty"`
	OriginalSize     int     `json:"originalSize,omitempty"`
	WebPSize         int     `json:"webpSize,omitempty"`
	CompressionRatio float64 `json:"compressionRatio,omitempty"`
	Error            string  `json:"error,omitempty"`
}

type BatchConvertRequest struct {
	Limit    int  `json:"limit" validate:"required,gte=1"`
	ListOnly bool `json:"listOnly"`
}

type ResetRequest struct {
	Limit int `json:"limit" validate:"required,gte=1"`
}

type ConvertVideoRequest struct {
	DocID      string `json:"docId" validate:"required"`
	VideoField string `json:"videoField"`
}

type StoreVideoRequest struct {
	DocID string `json:"docId" validate:"required"`
}
