package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"stocknity/models"
	"stocknity/services/datafetcher"
)

// FetchController runs synchronous fetches
type FetchController struct {
	fetcher *datafetcher.DataFetcher
}

// NewFetchController creates a new fetch controller
func NewFetchController(f *datafetcher.DataFetcher) *FetchController {
	return &FetchController{fetcher: f}
}

// Fetch reads through the cache to the sources
// POST /api/v1/fetch
func (fc *FetchController) Fetch(c *gin.Context) {
	var req models.FetchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := models.CacheKey(req.DataType, req.Dimensions); err != nil {
		respondError(c, err)
		return
	}

	result := fc.fetcher.Fetch(c.Request.Context(), req)
	if !result.Success {
		c.JSON(http.StatusBadGateway, result)
		return
	}
	c.JSON(http.StatusOK, result)
}
