package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/serviceability-scanner/internal/errors"
	"github.com/serviceability-scanner/internal/ingest"
	"github.com/serviceability-scanner/internal/progress"
)

const maxFormValueBytes = 4 << 10

// UploadResult is the non-streamed upload response
type UploadResult struct {
	Success      bool   `json:"success"`
	SourceID     string `json:"sourceId,omitempty"`
	AddressCount int    `json:"addressCount"`
	Skipped      int    `json:"skipped"`
	Error        string `json:"error,omitempty"`
}

// handleUpload handles POST /api/sources/upload.
// Form fields: file (GeoJSON FeatureCollection or newline-delimited features), name, stream.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	}

	form, err := s.spoolUpload(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
		return
	}
	defer form.close()

	name := form.values["name"]
	if name == "" {
		name = form.fileName
	}
	in := ingest.Input{Name: name, FileName: form.fileName, Body: form.file}

	if stream, _ := strconv.ParseBool(form.values["stream"]); stream {
		streamEvents(w, r, func(ctx context.Context, sink progress.Sink) {
			_, _ = s.svc.Ingest.Run(ctx, in, sink)
		})
		return
	}

	result, err := s.svc.Ingest.Run(r.Context(), in, progress.Discard)
	if err != nil {
		status := errors.GetHTTPStatusCode(err)
		body := UploadResult{Success: false, Error: ingest.ErrorMessage(err)}
		if result != nil {
			body.SourceID = result.SourceID
			body.AddressCount = result.AddressCount
			body.Skipped = result.Skipped
		}
		respondJSON(w, status, body)
		return
	}

	respondJSON(w, http.StatusOK, UploadResult{
		Success:      true,
		SourceID:     result.SourceID,
		AddressCount: result.AddressCount,
		Skipped:      result.Skipped,
	})
}

// handleEnrich handles POST /api/sources/{id}/enrich.
// Streams progress unless there is nothing to enrich or ?stream=false is given.
func (s *Server) handleEnrich(w http.ResponseWriter, r *http.Request) {
	sourceID := mux.Vars(r)["id"]

	if _, err := s.svc.Sources.GetByID(r.Context(), sourceID); err != nil {
		respondServiceError(w, r, notFoundOr(err, "source", sourceID))
		return
	}

	total, err := s.svc.Enrich.CountTargets(r.Context(), sourceID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	if total == 0 {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"sourceId": sourceID,
			"enriched": 0,
			"failed":   0,
			"total":    0,
			"message":  "all addresses already have city and postcode",
		})
		return
	}

	if stream, err := strconv.ParseBool(r.URL.Query().Get("stream")); err == nil && !stream {
		result, err := s.svc.Enrich.Run(r.Context(), sourceID, progress.Discard)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"success":  true,
			"sourceId": sourceID,
			"enriched": result.Enriched,
			"failed":   result.Failed,
			"total":    result.Total,
		})
		return
	}

	streamEvents(w, r, func(ctx context.Context, sink progress.Sink) {
		_, _ = s.svc.Enrich.Run(ctx, sourceID, sink)
	})
}

// handleListSources handles GET /api/sources
func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.svc.Sources.List(r.Context())
	if err != nil {
		respondServiceError(w, r, errors.NewDatabaseError("list sources", err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sources": sources})
}

// handleGetSource handles GET /api/sources/{id}
func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	source, err := s.svc.Sources.GetByID(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, notFoundOr(err, "source", id))
		return
	}
	respondJSON(w, http.StatusOK, source)
}

// uploadForm is a multipart upload whose file part was copied to a temporary file
type uploadForm struct {
	file     *os.File
	fileName string
	values   map[string]string
}

func (f *uploadForm) close() {
	name := f.file.Name()
	_ = f.file.Close()
	_ = os.Remove(name)
}

// spoolUpload copies the "file" part into TempDir so ingestion can read it twice.
// Other parts are read as small text values.
func (s *Server) spoolUpload(r *http.Request) (*uploadForm, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("Invalid multipart upload: %v", err)
	}

	form := &uploadForm{values: make(map[string]string)}
	fail := func(err error) (*uploadForm, error) {
		if form.file != nil {
			form.close()
		}
		return nil, err
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fail(fmt.Errorf("Invalid multipart upload: %v", err))
		}

		if part.FormName() != "file" || form.file != nil {
			value, err := io.ReadAll(io.LimitReader(part, maxFormValueBytes))
			part.Close()
			if err != nil {
				return fail(fmt.Errorf("Invalid multipart upload: %v", err))
			}
			form.values[part.FormName()] = string(value)
			continue
		}

		tmp, err := os.CreateTemp(s.config.TempDir, "upload-*.geojson")
		if err != nil {
			part.Close()
			return fail(fmt.Errorf("Failed to spool upload: %v", err))
		}
		form.file = tmp
		form.fileName = part.FileName()
		_, err = io.Copy(tmp, part)
		part.Close()
		if err != nil {
			return fail(fmt.Errorf("Invalid multipart upload: %v", err))
		}
	}

	if form.file == nil {
		return nil, fmt.Errorf("Missing file field")
	}
	if _, err := form.file.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("Failed to spool upload: %v", err))
	}
	return form, nil
}
