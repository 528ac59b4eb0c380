package handler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"eventsync/internal/auth"
	"eventsync/internal/model"
	"eventsync/internal/verify"
)

type verifyRequest struct {
	RoomID        string `json:"room_id" form:"room_id"`
	ParticipantID string `json:"participant_id" form:"participant_id"`
	Day           int    `json:"day" form:"day"`
	Session       int    `json:"session" form:"session"`
	// Image is raw base64 or a data URL.
	Image string `json:"image"`
}

var errBadImage = errors.New("image must be base64 or a data URL")

// verify accepts JSON with a base64 image or a multipart form with an
// "image" file.
func (h *Handler) verify(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxImage*2)

	req, err := h.bindVerify(c)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		writeVerifyError(c, &verify.Error{Kind: verify.KindValidation, Code: verify.CodeInvalidRequest, Message: err.Error()}, verify.Outcome{})
		return
	}

	claims := auth.ClaimsFrom(c)
	if req.Room == "" {
		req.Room = claims.Room
	}
	if req.ParticipantID == "" {
		req.ParticipantID = claims.Subject
	}
	if req.Room != claims.Room {
		c.JSON(http.StatusForbidden, gin.H{"error": "token not valid for this room"})
		return
	}
	if req.ParticipantID != claims.Subject && model.Role(claims.Role) != model.RoleAdmin {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot verify on behalf of another participant"})
		return
	}

	out, err := h.verifier.Verify(c.Request.Context(), req)
	if err != nil {
		var verr *verify.Error
		if errors.As(err, &verr) {
			writeVerifyError(c, verr, out)
			return
		}
		log.Error().Str("module", "handler").Err(err).Msg("verify failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"decision":    out.Decision,
		"session_key": out.SessionKey,
		"cached":      out.Cached,
		"result":      out.Result,
	})
}

func writeVerifyError(c *gin.Context, verr *verify.Error, out verify.Outcome) {
	body := gin.H{
		"error":      verr.Message,
		"error_kind": verr.Kind,
		"error_code": verr.Code,
	}
	if out.Decision != "" {
		body["decision"] = out.Decision
	}
	if out.Result != nil {
		body["result"] = out.Result
	}
	if verr.Lat != nil && verr.Lng != nil {
		body["latitude"] = *verr.Lat
		body["longitude"] = *verr.Lng
	}
	c.JSON(verr.HTTPStatus(), body)
}

func (h *Handler) bindVerify(c *gin.Context) (verify.Request, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		return h.bindMultipart(c)
	}
	var body verifyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		return verify.Request{}, err
	}
	req := verify.Request{
		Room:          body.RoomID,
		ParticipantID: body.ParticipantID,
		Day:           body.Day,
		Session:       body.Session,
	}
	if body.Image != "" {
		img, mimeType, err := decodeImage(body.Image)
		if err != nil {
			return verify.Request{}, err
		}
		req.Image, req.MimeType = img, mimeType
	}
	return req, nil
}

func (h *Handler) bindMultipart(c *gin.Context) (verify.Request, error) {
	if err := c.Request.ParseMultipartForm(h.maxImage); err != nil {
		return verify.Request{}, err
	}
	req := verify.Request{
		Room:          c.PostForm("room_id"),
		ParticipantID: c.PostForm("participant_id"),
	}
	var err error
	if req.Day, err = formInt(c, "day"); err != nil {
		return verify.Request{}, err
	}
	if req.Session, err = formInt(c, "session"); err != nil {
		return verify.Request{}, err
	}

	file, header, err := c.Request.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil
	}
	if err != nil {
		return verify.Request{}, err
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, h.maxImage+1))
	if err != nil {
		return verify.Request{}, err
	}
	if int64(len(data)) > h.maxImage {
		return verify.Request{}, &http.MaxBytesError{Limit: h.maxImage}
	}
	req.Image = data
	req.MimeType = header.Header.Get("Content-Type")
	if req.MimeType == "" || req.MimeType == "application/octet-stream" {
		req.MimeType = http.DetectContentType(data)
	}
	return req, nil
}

func formInt(c *gin.Context, key string) (int, error) {
	v := c.PostForm(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number", key)
	}
	return n, nil
}

// decodeImage accepts "data:image/jpeg;base64,..." or bare base64.
func decodeImage(s string) ([]byte, string, error) {
	mimeType := ""
	if rest, ok := strings.CutPrefix(s, "data:"); ok {
		meta, payload, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return nil, "", errBadImage
		}
		mimeType = strings.TrimSuffix(meta, ";base64")
		s = payload
	}
	s = strings.TrimSpace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err != nil {
			return nil, "", errBadImage
		}
	}
	if mimeType == "" && len(data) > 0 {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
