//go:build windows

package driver

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sys/windows"
)

// archDLLDir 是随程序分发的厂商 DLL 子目录
func archDLLDir() string {
	if runtime.GOARCH == "386" {
		return "windows_x86"
	}
	return "windows_x64"
}

// bundledDLL returns the path of name below ./DLLs/<arch>.
func bundledDLL(name string) string {
	return filepath.Join(".", "DLLs", archDLLDir(), name)
}

// loadDLL 依次尝试候选路径, 返回第一个能加载且导出全部 procs 的 DLL
func loadDLL(candidates []string, procs ...string) (*windows.LazyDLL, error) {
	var errs []string
	for _, path := range candidates {
		dll := windows.NewLazyDLL(path)
		if err := dll.Load(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		for _, name := range procs {
			if err := dll.NewProc(name).Find(); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
		return dll, nil
	}
	return nil, fmt.Errorf("no usable driver DLL (%s)", strings.Join(errs, "; "))
}
