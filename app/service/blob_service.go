package service

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"print-studio/app/config"
	"print-studio/app/logger"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"
)

// ImageFetcher 拉取远程图片
type ImageFetcher interface {
	Download(ctx context.Context, url string) ([]byte, error)
	Head(ctx context.Context, url string) (int, error)
}

// BlobInfo 已存储的图片
type BlobInfo struct {
	Pathname   string    `json:"pathname"`
	URL        string    `json:"url"`
	Size       int64     `json:"size"`
	Width      int       `json:"width,omitempty"`
	Height     int       `json:"height,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// BlobService 本地磁盘图片存储，通过 BaseURL 对外提供访问
type BlobService struct {
	dir      string
	baseURL  string
	maxBytes int64
	fetcher  ImageFetcher
	log      *logger.Logger
}

// NewBlobService 创建图片存储
func NewBlobService(cfg config.BlobConfig, fetcher ImageFetcher, log *logger.Logger) *BlobService {
	maxMB := cfg.MaxUploadMB
	if maxMB <= 0 {
		maxMB = 10
	}
	return &BlobService{
		dir:      cfg.Dir,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		maxBytes: int64(maxMB) << 20,
		fetcher:  fetcher,
		log:      log.Named("blob"),
	}
}

// MaxBytes 单个文件大小上限
func (s *BlobService) MaxBytes() int64 {
	return s.maxBytes
}

// Put 校验图片内容后写入 folder/filename，同名文件直接覆盖
func (s *BlobService) Put(folder, filename string, data []byte) (*BlobInfo, error) {
	if len(data) == 0 {
		return nil, badRequest("No file uploaded.")
	}
	if int64(len(data)) > s.maxBytes {
		return nil, badRequest("文件超过大小限制: %d 字节", s.maxBytes)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, badRequest("不是有效的图片文件")
	}

	rel, err := blobPath(folder, filename)
	if err != nil {
		return nil, err
	}
	full := filepath.Join(s.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return nil, newError(ErrPersistence, "创建存储目录失败", err)
	}
	if err := os.WriteFile(full, data, 0644); err != nil {
		return nil, newError(ErrPersistence, "写入图片失败", err)
	}

	bounds := img.Bounds()
	s.log.Info("图片已保存", zap.String("path", rel), zap.Int("size", len(data)))
	return &BlobInfo{
		Pathname:   rel,
		URL:        s.urlFor(rel),
		Size:       int64(len(data)),
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		UploadedAt: time.Now(),
	}, nil
}

// List 列出前缀下的所有图片，按路径排序
func (s *BlobService) List(prefix string) ([]BlobInfo, error) {
	prefix = strings.Trim(path.Clean("/"+prefix), "/")
	root := filepath.Join(s.dir, filepath.FromSlash(prefix))

	var blobs []BlobInfo
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		blobs = append(blobs, BlobInfo{Pathname: rel, URL: s.urlFor(rel), Size: info.Size(), UploadedAt: info.ModTime()})
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, newError(ErrPersistence, "读取存储目录失败", err)
	}

	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Pathname < blobs[j].Pathname })
	return blobs, nil
}

// FindExisting 在用户目录中查找同名文件
func (s *BlobService) FindExisting(userID, filename string) (*BlobInfo, bool) {
	blobs, err := s.List(userID)
	if err != nil {
		return nil, false
	}
	for i := range blobs {
		if strings.HasSuffix(blobs[i].Pathname, "/"+filename) {
			return &blobs[i], true
		}
	}
	return nil, false
}

// Verify 确保远程图片已保存到用户目录，已存在时直接返回
func (s *BlobService) Verify(ctx context.Context, userID, imageURL string) (*BlobInfo, error) {
	if userID == "" {
		return nil, newError(ErrUnauthorized, "", nil)
	}
	if imageURL == "" {
		return nil, badRequest("imageUrl 不能为空")
	}

	filename := fileNameFromURL(imageURL)
	if existing, ok := s.FindExisting(userID, filename); ok {
		return existing, nil
	}

	data, err := s.fetcher.Download(ctx, imageURL)
	if err != nil {
		s.log.Warn("拉取远程图片失败", zap.String("url", imageURL), zap.Error(err))
		return nil, newError(ErrUpstream, "Failed to fetch image.", err)
	}
	return s.Put(userID, filename, data)
}

// Delete 删除地址对应的图片
func (s *BlobService) Delete(blobURL string) error {
	rel, ok := s.relFromURL(blobURL)
	if !ok {
		return badRequest("不是本站存储的图片地址: %s", blobURL)
	}

	if err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(rel))); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newError(ErrNotFound, "图片不存在", nil)
		}
		return newError(ErrPersistence, "删除图片失败", err)
	}
	s.log.Info("图片已删除", zap.String("path", rel))
	return nil
}

// Reachable 检查图片地址是否仍可访问
func (s *BlobService) Reachable(ctx context.Context, imageURL string) bool {
	code, err := s.fetcher.Head(ctx, imageURL)
	if err != nil {
		s.log.Debug("图片地址不可访问", zap.String("url", imageURL), zap.Error(err))
		return false
	}
	return code >= http.StatusOK && code < http.StatusMultipleChoices
}

func (s *BlobService) urlFor(rel string) string {
	return s.baseURL + "/" + rel
}

func (s *BlobService) relFromURL(blobURL string) (string, bool) {
	rel, ok := strings.CutPrefix(blobURL, s.baseURL+"/")
	if !ok {
		// BaseURL 为相对路径时也接受带域名的完整地址
		u, err := url.Parse(blobURL)
		if err != nil {
			return "", false
		}
		if rel, ok = strings.CutPrefix(u.Path, s.baseURL+"/"); !ok {
			return "", false
		}
	}
	if rel == "" || path.Clean("/"+rel) != "/"+rel {
		return "", false
	}
	return rel, true
}

// blobPath 拼接并清理存储路径，拒绝越出存储目录
func blobPath(folder, filename string) (string, error) {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		name = uuid.NewString() + ".png"
	}

	folder = strings.ReplaceAll(folder, "\\", "/")
	if folder == "" {
		folder = "uploads"
	}
	for _, seg := range strings.Split(folder, "/") {
		if seg == ".." {
			return "", badRequest("无效的目录: %s", folder)
		}
	}
	folder = strings.Trim(path.Clean("/"+folder), "/")
	if folder == "" {
		folder = "uploads"
	}
	return folder + "/" + name, nil
}

// fileNameFromURL 取地址中的文件名，无法解析时生成一个
func fileNameFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err == nil {
		if name := path.Base(u.Path); name != "." && name != "/" && name != "" {
			return name
		}
	}
	return "image_" + time.Now().Format("20060102150405") + ".jpg"
}
