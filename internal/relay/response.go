package relay

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// ReadAndDecompressResponse 读取并解压上游响应体
// 根据Content-Encoding头部选择解压方式，未知编码按原始内容返回
func ReadAndDecompressResponse(resp *http.Response) ([]byte, error) {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	contentEncoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if contentEncoding == "" || contentEncoding == "identity" {
		return bodyBytes, nil
	}

	switch contentEncoding {
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer reader.Close()
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress gzip response: %w", err)
		}
		return decompressed, nil

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(bodyBytes))
		defer reader.Close()
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress deflate response: %w", err)
		}
		return decompressed, nil

	case "br":
		decompressed, err := io.ReadAll(brotli.NewReader(bytes.NewReader(bodyBytes)))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress brotli response: %w", err)
		}
		return decompressed, nil

	default:
		// 未知编码，记录警告但返回原始内容以保持兼容性
		slog.Warn(fmt.Sprintf("⚠️ [响应解压] 未知的内容编码: %s, 使用原始内容", contentEncoding))
		return bodyBytes, nil
	}
}
