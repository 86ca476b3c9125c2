package ports

import (
	"github.com/gin-gonic/gin"
)

type HTTPHandler interface {
	ListHistory(c *gin.Context)
	GetContact(c *gin.Context)
}
