package http

import (
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mind-engage/nihongo/internal/content"
	"github.com/mind-engage/nihongo/internal/romaji"
	"github.com/mind-engage/nihongo/internal/storage"
)

func ContentLevelsHandler(cat *content.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{"levels": cat.Levels()})
	}
}

// GET /content/words?level=&category=&jlpt=
func WordsHandler(cat *content.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		level, err := atoiOr(q.Get("level"), 0)
		if err != nil || level < 0 {
			http.Error(w, "bad level", http.StatusBadRequest)
			return
		}
		words := cat.Words(content.WordFilter{
			Level:    level,
			Category: strings.TrimSpace(q.Get("category")),
			JLPT:     strings.ToUpper(strings.TrimSpace(q.Get("jlpt"))),
		})
		respondJSON(w, http.StatusOK, map[string]any{"words": words, "categories": cat.Categories()})
	}
}

// GET /content/kanji?level=&jlpt=
func KanjiHandler(cat *content.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		level, err := atoiOr(r.URL.Query().Get("level"), 0)
		if err != nil || level < 0 {
			http.Error(w, "bad level", http.StatusBadRequest)
			return
		}
		jlpt := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("jlpt")))
		respondJSON(w, http.StatusOK, map[string]any{"kanji": cat.Kanji(level, jlpt)})
	}
}

// GET /content/kana?script=hiragana|katakana
func KanaHandler(cat *content.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		script := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("script")))
		switch script {
		case "", content.Hiragana, content.Katakana:
		default:
			http.Error(w, "unknown script", http.StatusBadRequest)
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"kana": cat.Kana(script)})
	}
}

// POST /content/import  multipart file=<.xlsx|.csv>, optional sheet=
// Rows without romaji get it from the kana reading. When bs is set the upload
// is archived under imports/.
func ImportContentHandler(cat *content.Catalog, conv romaji.Converter, bs storage.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			http.Error(w, "multipart form required", http.StatusBadRequest)
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "file required", http.StatusBadRequest)
			return
		}
		defer f.Close()

		cfg := content.DefaultImportConfig()
		cfg.SheetName = strings.TrimSpace(r.FormValue("sheet"))

		var (
			words []content.JapaneseWord
			res   content.ImportResult
		)
		switch strings.ToLower(filepath.Ext(hdr.Filename)) {
		case ".xlsx":
			words, res, err = content.ReadXLSX(f, cfg)
		case ".csv":
			words, res, err = content.ReadCSV(f, cfg)
		default:
			http.Error(w, "expected .xlsx or .csv", http.StatusBadRequest)
			return
		}
		if err != nil {
			http.Error(w, "read "+hdr.Filename+": "+err.Error(), http.StatusBadRequest)
			return
		}

		for i := range words {
			if words[i].Romaji != "" || conv == nil {
				continue
			}
			out, err := conv.Convert(r.Context(), words[i].Kana)
			if errors.Is(err, romaji.ErrUnsupported) {
				res.Errors = append(res.Errors, words[i].ID+": no romaji and kana reading is not convertible")
				continue
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			words[i].Romaji = out
		}

		if err := cat.Merge(words, &res); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if bs != nil {
			if _, err := f.Seek(0, io.SeekStart); err == nil {
				if _, err := archiveUpload(r, bs, hdr.Filename, f); err != nil {
					log.Printf("content import: archive %s: %v", hdr.Filename, err)
				}
			}
		}
		log.Printf("content import %s: processed=%d created=%d updated=%d skipped=%d",
			hdr.Filename, res.Processed, res.Created, res.Updated, res.Skipped)
		respondJSON(w, http.StatusOK, res)
	}
}

func atoiOr(s string, def int) (int, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(s))
}
