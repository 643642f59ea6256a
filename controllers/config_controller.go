package controllers

import (
	"github.com/cppla/passbook/utils"
	"github.com/gin-gonic/gin"
)

// ConfigController serves configuration the UI renders from.
type ConfigController struct {
	svc PassAPI
}

func NewConfigController(svc PassAPI) *ConfigController { return &ConfigController{svc: svc} }

// GetLevels returns the level ladder.
func (c *ConfigController) GetLevels(ctx *gin.Context) {
	utils.Success(ctx, gin.H{"levels": c.svc.Levels().Levels()})
}
