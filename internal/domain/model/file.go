package model

import "time"

// Format — формат содержимого, определённый по MIME-типу.
type Format string

const (
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatGIF     Format = "gif"
	FormatWebP    Format = "webp"
	FormatBMP     Format = "bmp"
	FormatTIFF    Format = "tiff"
	FormatSVG     Format = "svg"
	FormatPDF     Format = "pdf"
	FormatMP4     Format = "mp4"
	FormatWebM    Format = "webm"
	FormatOGG     Format = "ogg"
	FormatUnknown Format = "unknown"
)

// IsRaster сообщает, является ли формат растровым изображением.
func (f Format) IsRaster() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatGIF, FormatWebP, FormatBMP, FormatTIFF:
		return true
	}
	return false
}

// Extension возвращает расширение файла без точки.
func (f Format) Extension() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	case FormatTIFF:
		return "tif"
	case FormatUnknown, "":
		return "bin"
	}
	return string(f)
}

// FileRecord — уникальное содержимое, идентифицируемое SHA-1.
// Хранится в таблице file_record.
type FileRecord struct {
	// SHA1 — хеш содержимого, 40 hex-символов в нижнем регистре
	SHA1 string
	// PHash — перцептивный хеш, 16 hex-символов (nil, если изображение не читается)
	PHash *string
	// Size — размер в байтах
	Size int64
	// Width, Height — размеры в пикселях (nil, если изображение не читается)
	Width  *int
	Height *int
	// Format — определённый формат
	Format Format
	// MimeType — MIME-тип содержимого
	MimeType string
	// Filenames — имена файлов в репозитории; список только растёт
	Filenames []string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// IsReadableImage — размеры и перцептивный хеш известны.
func (f *FileRecord) IsReadableImage() bool {
	return f.Width != nil && f.Height != nil && f.PHash != nil
}

// IsPublished — содержимое уже есть в репозитории.
func (f *FileRecord) IsPublished() bool {
	return len(f.Filenames) > 0
}

// HasFilename сообщает, известно ли содержимое под данным именем.
func (f *FileRecord) HasFilename(name string) bool {
	for _, n := range f.Filenames {
		if n == name {
			return true
		}
	}
	return false
}
