package httpx

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// WriteObject 按处理结果输出JSON
func WriteObject(c *gin.Context, obj interface{}, err error) {
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{
			Code:    http.StatusBadRequest,
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "ok",
		Data:    obj,
	})
}

// WriteError 输出指定状态码的错误
func WriteError(c *gin.Context, status int, err error) {
	c.JSON(status, Response{
		Code:    status,
		Message: err.Error(),
	})
}
