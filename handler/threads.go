package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v5"

	"chatline/internal/domain"
)

type pageResponse[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type threadIDResponse struct {
	ThreadID string `json:"threadId"`
}

type createThreadRequest struct {
	Title string `json:"title"`
}

type editMessageRequest struct {
	Text string `json:"text"`
}

func (h *Handler) listThreads(c *echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return writeError(c, invalidInput("invalid_limit", err))
	}
	page, err := h.threads.List(c.Request().Context(), ownerOf(c), limit, c.QueryParam("cursor"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pageResponse[domain.Thread]{Items: nonNil(page.Items), NextCursor: page.NextCursor})
}

func (h *Handler) createThread(c *echo.Context) error {
	var req createThreadRequest
	if err := decodeOptional(c.Request().Body, &req); err != nil {
		return writeError(c, invalidInput("invalid_body", err))
	}
	t, err := h.threads.Create(c.Request().Context(), ownerOf(c), req.Title)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, threadIDResponse{ThreadID: t.ID})
}

func (h *Handler) deleteThread(c *echo.Context) error {
	if err := h.threads.Delete(c.Request().Context(), ownerOf(c), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) listMessages(c *echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return writeError(c, invalidInput("invalid_limit", err))
	}
	page, err := h.threads.Messages(c.Request().Context(), ownerOf(c), c.Param("id"), limit, c.QueryParam("cursor"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, pageResponse[domain.Message]{Items: nonNil(page.Items), NextCursor: page.NextCursor})
}

func (h *Handler) editMessage(c *echo.Context) error {
	var req editMessageRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return writeError(c, invalidInput("invalid_body", err))
	}
	threadID, err := h.threads.EditMessage(c.Request().Context(), ownerOf(c), c.Param("id"), req.Text)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, threadIDResponse{ThreadID: threadID})
}

func queryInt(c *echo.Context, name string) (int, error) {
	v := strings.TrimSpace(c.QueryParam(name))
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// decodeOptional decodes a JSON body that may be absent.
func decodeOptional(body io.Reader, v any) error {
	if body == nil {
		return nil
	}
	err := json.NewDecoder(body).Decode(v)
	if err == io.EOF {
		return nil
	}
	return err
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
