package handler

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/safee-analytics/be-approvals/internal/apperrors"
	"github.com/safee-analytics/be-approvals/internal/crypto/fileenc"
	"github.com/safee-analytics/be-approvals/internal/crypto/keymanager"
)

// EncryptionHandler handles organization encryption administration and the
// internal file encrypt/decrypt endpoints used by the document service.
// Ciphertext travels base64-encoded; the document service owns moving it to
// and from object storage.
type EncryptionHandler struct {
	keys  *keymanager.Manager
	files *fileenc.Service
	log   zerolog.Logger
}

// NewEncryptionHandler creates a new EncryptionHandler.
func NewEncryptionHandler(keys *keymanager.Manager, files *fileenc.Service, log zerolog.Logger) *EncryptionHandler {
	return &EncryptionHandler{keys: keys, files: files, log: log}
}

type encryptionRequest struct {
	OrganizationID string `json:"organization_id"`
	Passphrase     string `json:"passphrase"`
}

// Enable handles POST /api/v1/encryption/enable.
func (h *EncryptionHandler) Enable(w http.ResponseWriter, r *http.Request) {
	var req encryptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrganizationID == "" {
		writeError(w, apperrors.InvalidInput("organization_id", "organization_id is required"))
		return
	}

	key, err := h.keys.Enable(r.Context(), req.OrganizationID, []byte(req.Passphrase))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key_version": key.KeyVersion,
	})
}

// Rotate handles POST /api/v1/encryption/rotate.
func (h *EncryptionHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	var req encryptionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrganizationID == "" {
		writeError(w, apperrors.InvalidInput("organization_id", "organization_id is required"))
		return
	}

	key, err := h.keys.Rotate(r.Context(), req.OrganizationID, []byte(req.Passphrase))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_version": key.KeyVersion,
	})
}

// Status handles GET /api/v1/encryption/status?organization_id=.
func (h *EncryptionHandler) Status(w http.ResponseWriter, r *http.Request) {
	organizationID := r.URL.Query().Get("organization_id")
	if organizationID == "" {
		writeError(w, apperrors.InvalidInput("organization_id", "organization_id is required"))
		return
	}

	status, err := h.keys.GetStatus(r.Context(), organizationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// EncryptFile handles POST /internal/v1/files/encrypt.
func (h *EncryptionHandler) EncryptFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrganizationID string `json:"organization_id"`
		FileID         string `json:"file_id"`
		Content        string `json:"content"`
		ActorID        string `json:"actor_id"`
		Passphrase     string `json:"passphrase"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.OrganizationID == "" || req.FileID == "" {
		writeError(w, apperrors.InvalidInput("file", "organization_id and file_id are required"))
		return
	}

	plaintext, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		writeError(w, apperrors.InvalidInput("content", "content must be base64-encoded"))
		return
	}

	ciphertext, meta, err := h.files.EncryptFile(r.Context(),
		req.OrganizationID, req.FileID, plaintext, req.ActorID, []byte(req.Passphrase))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content":     base64.StdEncoding.EncodeToString(ciphertext),
		"key_version": meta.KeyVersion,
	})
}

// FilesByKeyVersion handles GET /internal/v1/files?organization_id=&key_version=.
// Lists envelopes still pinned to an old key version so the document service
// can schedule re-encryption after a rotation.
func (h *EncryptionHandler) FilesByKeyVersion(w http.ResponseWriter, r *http.Request) {
	organizationID := r.URL.Query().Get("organization_id")
	if organizationID == "" {
		writeError(w, apperrors.InvalidInput("organization_id", "organization_id is required"))
		return
	}
	keyVersion, err := strconv.Atoi(r.URL.Query().Get("key_version"))
	if err != nil || keyVersion < 1 {
		writeError(w, apperrors.InvalidInput("key_version", "key_version must be a positive integer"))
		return
	}

	files, err := h.files.FilesByKeyVersion(r.Context(), organizationID, keyVersion)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

// DecryptFile handles POST /internal/v1/files/decrypt.
func (h *EncryptionHandler) DecryptFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileID     string `json:"file_id"`
		Content    string `json:"content"`
		Passphrase string `json:"passphrase"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FileID == "" {
		writeError(w, apperrors.InvalidInput("file_id", "file_id is required"))
		return
	}

	ciphertext, err := base64.StdEncoding.DecodeString(req.Content)
	if err != nil {
		writeError(w, apperrors.InvalidInput("content", "content must be base64-encoded"))
		return
	}

	plaintext, err := h.files.DecryptFile(r.Context(), req.FileID, ciphertext, []byte(req.Passphrase))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"content": base64.StdEncoding.EncodeToString(plaintext),
	})
}
