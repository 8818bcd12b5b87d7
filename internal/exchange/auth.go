package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// APICredentials L2 API 凭证
type APICredentials struct {
	Address    string // 钱包地址
	APIKey     string
	Secret     string // base64url 编码
	Passphrase string
}

// Valid 凭证是否完整
func (c APICredentials) Valid() bool {
	return c.APIKey != "" && c.Secret != "" && c.Passphrase != ""
}

// l2Headers 生成 L2 鉴权请求头
// 签名 = base64url(HMAC-SHA256(secret, timestamp+method+path+body))
func l2Headers(creds APICredentials, method, path, body string) (map[string]string, error) {
	ts := fmt.Sprintf("%d", time.Now().Unix())

	key, err := base64.URLEncoding.DecodeString(creds.Secret)
	if err != nil {
		return nil, errors.Wrap(err, "decode api secret")
	}

	mac := hmac.New(sha256.New, key)
	// CLOB 服务端以单引号 JSON 校验签名
	mac.Write([]byte(ts + method + path + strings.ReplaceAll(body, `"`, `'`)))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	return map[string]string{
		"POLY_ADDRESS":    creds.Address,
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  ts,
		"POLY_API_KEY":    creds.APIKey,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}
