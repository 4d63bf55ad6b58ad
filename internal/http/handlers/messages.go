package handlers

import (
	"net/http"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"genpipeline/internal/domain"
	"genpipeline/internal/middleware"
)

// Error codes returned in the error envelope.
const (
	codeBadRequest         = "bad_request"
	codeValidationFailed   = "validation_failed"
	codeQuotaExceeded      = "quota_exceeded"
	codeNotFound           = "not_found"
	codeUnauthorized       = "unauthorized"
	codeForbidden          = "forbidden"
	codeConflict           = "conflict"
	codeUploadExpired      = "upload_expired"
	codeUploadFailed       = "upload_failed"
	codeSizeMismatch       = "size_mismatch"
	codeChecksumMismatch   = "checksum_mismatch"
	codeStorageUnavailable = "storage_unavailable"
	codeInvalidUploadToken = "invalid_upload_token"
	codePayloadTooLarge    = "payload_too_large"
	codeNotSupported       = "not_supported"
	codeResultsNotReady    = "results_not_ready"
	codeInternal           = "internal"
)

var translations = map[string][2]string{ // code: {en, id}
	domain.EventQueued:     {"Waiting in the queue", "Menunggu antrean"},
	domain.EventStarted:    {"Generation started", "Proses dimulai"},
	domain.EventGenerating: {"Generating", "Sedang dibuat"},
	domain.EventRetrying:   {"Temporary problem, trying again", "Gangguan sementara, mencoba lagi"},
	domain.EventSaving:     {"Saving results", "Menyimpan hasil"},
	domain.EventCompleted:  {"Done", "Selesai"},
	domain.EventFailed:     {"Generation failed", "Proses gagal"},
	domain.EventTimeout:    {"Generation took too long", "Proses terlalu lama"},
	domain.EventCancelled:  {"Cancelled", "Dibatalkan"},

	codeBadRequest:         {"The request is malformed", "Permintaan tidak valid"},
	codeValidationFailed:   {"Some fields are invalid", "Beberapa isian tidak valid"},
	codeQuotaExceeded:      {"Not enough credits", "Kredit tidak mencukupi"},
	codeNotFound:           {"Not found", "Tidak ditemukan"},
	codeUnauthorized:       {"Authentication required", "Perlu masuk terlebih dahulu"},
	codeForbidden:          {"Access denied", "Akses ditolak"},
	codeConflict:           {"The task can no longer be changed", "Tugas tidak dapat diubah lagi"},
	codeUploadExpired:      {"The upload window has expired", "Batas waktu unggah telah habis"},
	codeUploadFailed:       {"The upload failed, please upload again", "Unggahan gagal, silakan unggah ulang"},
	codeSizeMismatch:       {"The uploaded size does not match", "Ukuran unggahan tidak sesuai"},
	codeChecksumMismatch:   {"The uploaded file is corrupted", "Berkas unggahan rusak"},
	codeStorageUnavailable: {"Storage is busy, please retry", "Penyimpanan sibuk, silakan coba lagi"},
	codeInvalidUploadToken: {"The upload link is invalid or expired", "Tautan unggah tidak valid atau kedaluwarsa"},
	codePayloadTooLarge:    {"The upload is larger than declared", "Unggahan melebihi ukuran yang dinyatakan"},
	codeNotSupported:       {"Not supported by this deployment", "Tidak didukung oleh server ini"},
	codeResultsNotReady:    {"Results are not ready yet", "Hasil belum tersedia"},
	codeInternal:           {"Something went wrong", "Terjadi kesalahan"},
}

var messages = func() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for code, t := range translations {
		_ = b.SetString(language.English, code, t[0])
		_ = b.SetString(language.Indonesian, code, t[1])
	}
	return b
}()

var localeMatcher = language.NewMatcher(middleware.Supported)

// printer resolves locale to one of the translated languages, falling back
// to the first supported one.
func printer(locale string) *message.Printer {
	tag := middleware.Supported[0]
	if parsed, err := language.Parse(locale); err == nil {
		if _, idx, conf := localeMatcher.Match(parsed); conf != language.No {
			tag = middleware.Supported[idx]
		}
	}
	return message.NewPrinter(tag, message.Catalog(messages))
}

// localize renders a message code in the request locale.
func localize(r *http.Request, code string) string {
	return localizeCode(middleware.LocaleFromContext(r.Context()), code)
}

func localizeCode(locale, code string) string {
	if code == "" {
		return ""
	}
	if _, ok := translations[code]; !ok {
		return code
	}
	return printer(locale).Sprintf(code)
}
