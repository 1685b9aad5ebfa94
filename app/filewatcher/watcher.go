package filewatcher

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"print-studio/app/logger"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher 监控单个文件的变更，连续事件合并后回调一次。
// 监控的是文件所在目录，编辑器先写临时文件再重命名的保存方式同样能被捕获。
type FileWatcher struct {
	path     string
	debounce time.Duration
	onChange func()
	watcher  *fsnotify.Watcher
	logger   *logger.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
	watching bool
	mu       sync.Mutex
}

// New 创建文件监控器
func New(path string, debounce time.Duration, log *logger.Logger, onChange func()) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析监控路径失败: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %w", err)
	}

	return &FileWatcher{
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		watcher:  watcher,
		logger:   log.Named("filewatcher"),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start 启动文件监控
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.watching {
		return fmt.Errorf("文件监控器[%s]已经在运行", fw.path)
	}

	if err := fw.watcher.Add(filepath.Dir(fw.path)); err != nil {
		return fmt.Errorf("添加监控目录失败: %w", err)
	}

	fw.watching = true
	fw.wg.Add(1)
	go fw.watchLoop()

	fw.logger.Infof("文件监控器已启动: %s", fw.path)
	return nil
}

// Stop 停止文件监控
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.watching {
		return fw.watcher.Close()
	}

	close(fw.stopCh)
	err := fw.watcher.Close()
	fw.wg.Wait()
	fw.watching = false

	fw.logger.Infof("文件监控器已停止: %s", fw.path)
	return err
}

// watchLoop 监控事件循环
func (fw *FileWatcher) watchLoop() {
	defer fw.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !fw.relevant(event) {
				continue
			}
			fw.logger.Debugf("文件变更: %s %s", event.Op, event.Name)
			if timer == nil {
				timer = time.NewTimer(fw.debounce)
			} else {
				timer.Reset(fw.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			fw.onChange()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Errorf("文件监控器错误: %v", err)

		case <-fw.stopCh:
			return
		}
	}
}

// relevant 只关心目标文件的写入、创建与重命名
func (fw *FileWatcher) relevant(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != fw.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
