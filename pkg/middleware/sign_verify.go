package middleware

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	"HibiscusTrack/pkg/config"

	"github.com/gin-gonic/gin"
)

// 生成 HMAC 签名
func generateSignature(data, secretKey string) string {
	mac := hmac.New(sha256.New, []byte(secretKey))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignVerifyMiddleware 设备上报签名验证。
// 签名串 = 方法 + 路径 + 请求体 + 时间戳，密钥为 API_SECRET_KEY。
// 未配置密钥时跳过验证（本地开发）。
func SignVerifyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.GlobalConfig.APISecretKey == "" {
			c.Next()
			return
		}

		signature := c.GetHeader("Signature")
		if signature == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Signature is missing"})
			c.Abort()
			return
		}

		timestamp := c.DefaultQuery("timestamp", "")
		if timestamp == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Timestamp is missing"})
			c.Abort()
			return
		}

		// 读出请求体后回填，后续 handler 还要绑定
		var requestBody string
		if c.Request.Method == http.MethodPost {
			bodyBytes, _ := io.ReadAll(c.Request.Body)
			requestBody = string(bodyBytes)
			c.Request.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		data := fmt.Sprintf("%s%s%s", c.Request.Method, c.Request.URL.Path, requestBody+timestamp)

		expectedSignature := generateSignature(data, config.GlobalConfig.APISecretKey)
		if !hmac.Equal([]byte(signature), []byte(expectedSignature)) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			c.Abort()
			return
		}

		c.Next()
	}
}
