package proxy

import "os"

// readCached 读取规范文件的全部内容；文件在检查之后消失时不重试。
func readCached(path string) ([]byte, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fail(ErrReadFailed, err)
	}
	return body, nil
}
