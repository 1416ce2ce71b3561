// Пакет fingerprint — декодирование растровых изображений, чтение
// ориентации из EXIF и вычисление перцептивного хеша (DCT pHash).
//
// Основной путь читает метаданные и пиксели. Если метаданные повреждены,
// выполняется одна повторная попытка без них. Изображение без подходящего
// декодера, не декодируемое во второй попытке или превышающее предел
// пикселей — ErrUnreadableImage. Размеры проверяются по заголовку до
// декодирования пикселей.
package fingerprint

import (
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"math/bits"
	"strconv"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"

	"github.com/arturkryukov/artstore/media-harvester/internal/domain/model"
)

// Ошибки вычисления отпечатка.
var (
	// ErrUnreadableImage — изображение не удалось декодировать.
	ErrUnreadableImage = errors.New("изображение не читается")
	// ErrCorruptMetadata — метаданные изображения повреждены.
	ErrCorruptMetadata = errors.New("метаданные изображения повреждены")
)

// Fingerprint — размеры и перцептивный хеш изображения.
type Fingerprint struct {
	Width  int
	Height int
	// PHash — 64-битный хеш, 16 hex-символов в нижнем регистре
	PHash string
}

// Opener открывает содержимое заново для каждого прохода.
type Opener func() (io.ReadCloser, error)

// DefaultMaxPixels — предел числа пикселей по умолчанию (100 Мп).
const DefaultMaxPixels int64 = 100_000_000

// codec — декодер формата: заголовок и пиксели.
type codec struct {
	config func(io.Reader) (image.Config, error)
	decode func(io.Reader) (image.Image, error)
}

// decoders — таблица формат → декодер.
var decoders = map[model.Format]codec{
	model.FormatJPEG: {jpeg.DecodeConfig, jpeg.Decode},
	model.FormatPNG:  {png.DecodeConfig, png.Decode},
	model.FormatGIF:  {gif.DecodeConfig, gif.Decode},
	model.FormatWebP: {webp.DecodeConfig, webp.Decode},
	model.FormatBMP:  {bmp.DecodeConfig, bmp.Decode},
	model.FormatTIFF: {tiff.DecodeConfig, tiff.Decode},
}

// exifFormats — форматы, в которых читается EXIF.
var exifFormats = map[model.Format]bool{
	model.FormatJPEG: true,
	model.FormatTIFF: true,
}

// Supported сообщает, есть ли декодер для формата.
func Supported(format model.Format) bool {
	_, ok := decoders[format]
	return ok
}

// Engine вычисляет отпечатки изображений.
type Engine struct {
	maxPixels int64
	logger    *slog.Logger
}

// NewEngine создаёт движок отпечатков. maxPixels — предел ширина×высота
// (0 или меньше — DefaultMaxPixels).
func NewEngine(maxPixels int64, logger *slog.Logger) *Engine {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Engine{
		maxPixels: maxPixels,
		logger:    logger.With(slog.String("component", "fingerprint")),
	}
}

// Compute вычисляет отпечаток. Повреждённые метаданные приводят
// к одной повторной попытке без их чтения.
func (e *Engine) Compute(open Opener, format model.Format) (*Fingerprint, error) {
	fp, err := e.compute(open, format, true)
	if errors.Is(err, ErrCorruptMetadata) {
		e.logger.Warn("Метаданные повреждены, повтор без метаданных",
			slog.String("format", string(format)),
			slog.String("error", err.Error()),
		)
		fp, err = e.compute(open, format, false)
	}
	if err != nil {
		if errors.Is(err, ErrUnreadableImage) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreadableImage, err)
	}
	return fp, nil
}

func (e *Engine) compute(open Opener, format model.Format, readMetadata bool) (*Fingerprint, error) {
	c, ok := decoders[format]
	if !ok {
		return nil, fmt.Errorf("%w: нет декодера для формата %q", ErrUnreadableImage, format)
	}

	orientation := 1
	if readMetadata && exifFormats[format] {
		o, err := readOrientation(open)
		if err != nil {
			return nil, err
		}
		orientation = o
	}

	if err := e.checkDimensions(open, c, format); err != nil {
		return nil, err
	}

	rc, err := open()
	if err != nil {
		return nil, fmt.Errorf("открытие содержимого: %w", err)
	}
	defer rc.Close()

	img, err := c.decode(rc)
	if err != nil {
		return nil, fmt.Errorf("декодирование %s: %w", format, err)
	}

	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil, fmt.Errorf("вычисление pHash: %w", err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	// Ориентации 5–8 — поворот на 90°, размеры меняются местами
	if orientation >= 5 && orientation <= 8 {
		w, h = h, w
	}

	return &Fingerprint{
		Width:  w,
		Height: h,
		PHash:  FormatHash(hash.GetHash()),
	}, nil
}

// checkDimensions читает размеры из заголовка и отклоняет изображения
// больше предела до выделения памяти под пиксели.
func (e *Engine) checkDimensions(open Opener, c codec, format model.Format) error {
	rc, err := open()
	if err != nil {
		return fmt.Errorf("открытие содержимого: %w", err)
	}
	defer rc.Close()

	cfg, err := c.config(rc)
	if err != nil {
		return fmt.Errorf("заголовок %s: %w", format, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: некорректные размеры %dx%d", ErrUnreadableImage, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > e.maxPixels {
		return fmt.Errorf("%w: %dx%d больше предела %d пикселей",
			ErrUnreadableImage, cfg.Width, cfg.Height, e.maxPixels)
	}
	return nil
}

// readOrientation читает EXIF-ориентацию. Отсутствие EXIF — ориентация 1.
func readOrientation(open Opener) (int, error) {
	rc, err := open()
	if err != nil {
		return 0, fmt.Errorf("открытие содержимого: %w", err)
	}
	defer rc.Close()

	x, err := exif.Decode(rc)
	if err != nil {
		if x == nil {
			if isNoExif(err) {
				return 1, nil
			}
			return 0, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
		}
		if exif.IsCriticalError(err) {
			return 0, fmt.Errorf("%w: %v", ErrCorruptMetadata, err)
		}
	}

	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1, nil
	}
	o, err := tag.Int(0)
	if err != nil {
		return 0, fmt.Errorf("%w: ориентация: %v", ErrCorruptMetadata, err)
	}
	if o < 1 || o > 8 {
		return 1, nil
	}
	return o, nil
}

// isNoExif — ошибка goexif означает отсутствие EXIF, а не повреждение.
func isNoExif(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		strings.Contains(err.Error(), "failed to find exif intro marker")
}

// FormatHash представляет 64-битный хеш как 16 hex-символов.
func FormatHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// HammingDistance — число различающихся бит двух хешей в hex-представлении.
func HammingDistance(a, b string) (int, error) {
	x, err := strconv.ParseUint(a, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректный хеш %q: %w", a, err)
	}
	y, err := strconv.ParseUint(b, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректный хеш %q: %w", b, err)
	}
	return bits.OnesCount64(x ^ y), nil
}
