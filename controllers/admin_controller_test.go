package controllers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/services"
)

func TestRetroVisit_BadDayIsClientError(t *testing.T) {
	api := &fakeAPI{addRetroVisit: func(email, name, day, note string) (*models.Visit, error) {
		if day != "2024-10-01" {
			return nil, fmt.Errorf("%w: %q", services.ErrInvalidDay, day)
		}
		return &models.Visit{Day: day}, nil
	}}
	a := NewAdminController(api, AdminCredentials{})
	r := gin.New()
	r.POST("/visits/retro", a.RetroVisit)

	w := perform(r, http.MethodPost, "/visits/retro", `{"email":"ann@example.com","day":"2024-10-01"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w = perform(r, http.MethodPost, "/visits/retro", `{"email":"ann@example.com","day":"10/01/2024"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	env := decode(t, w)
	assert.Equal(t, 40080, env.Code)
	assert.Contains(t, env.Message, "invalid day")
}
