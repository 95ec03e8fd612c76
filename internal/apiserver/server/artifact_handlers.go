package server

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"agents-exec/internal/shared/apperr"
	"agents-exec/internal/shared/model"
	"agents-exec/internal/shared/storage"
)

// blobKeyPrefix 对象存储键前缀，与 Part.FileID 的约定一致
const blobKeyPrefix = "blobs/"

// maxBlobSize 单个上传 blob 的大小上限
const maxBlobSize = 32 << 20

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	// 归属校验走任务
	task, err := s.store.GetTask(r.Context(), r.PathValue("id"), rc.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := s.store.ListArtifacts(r.Context(), task.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	artifact, err := s.store.GetArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.store.GetTask(r.Context(), artifact.TaskID, rc.UserID); err != nil {
		// 产物不暴露归属细节，统一按不存在处理
		writeError(w, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// handleUploadBlob 上传文件内容到对象存储
//
// 返回的 file_id 可直接放入消息/产物的 file 片段。
func (s *Server) handleUploadBlob(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	if s.objstore == nil {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeNotFound, "object store is not enabled"))
		return
	}

	fileID := blobKeyPrefix + uuid.NewString()
	body := http.MaxBytesReader(w, r.Body, maxBlobSize)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindClient, apperr.CodeBadRequest, "blob too large or unreadable", err))
		return
	}
	contentType := r.Header.Get("Content-Type")

	if err := s.objstore.Upload(r.Context(), fileID, bytes.NewReader(data), int64(len(data)), contentType); err != nil {
		writeError(w, apperr.Wrap(apperr.KindTransient, apperr.CodeDbUnavailable, "blob upload failed", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"file_id": fileID, "mime_type": contentType})
}

// handleDownloadBlob 以限时签名链接重定向到对象存储
func (s *Server) handleDownloadBlob(w http.ResponseWriter, r *http.Request, rc *model.RequestContext) {
	if s.objstore == nil {
		writeError(w, apperr.New(apperr.KindClient, apperr.CodeNotFound, "object store is not enabled"))
		return
	}

	fileID := blobKeyPrefix + r.PathValue("id")
	exists, err := s.objstore.Exists(r.Context(), fileID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindTransient, apperr.CodeDbUnavailable, "blob lookup failed", err))
		return
	}
	if !exists {
		writeError(w, storage.ErrNotFound)
		return
	}

	u, err := s.objstore.Presign(r.Context(), fileID, 15*time.Minute)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindTransient, apperr.CodeDbUnavailable, "presign failed", err))
		return
	}
	http.Redirect(w, r, u, http.StatusFound)
}
