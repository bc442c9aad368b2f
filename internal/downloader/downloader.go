package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/zap"
)

const klineBatchLimit = 1000 // 币安单次请求最多1000条

// KlineDownloader 用于从币安合约下载K线数据，供模拟模式回放
type KlineDownloader struct {
	client *futures.Client
	pause  time.Duration
	logger *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例。baseURL 为空时使用默认地址。
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	client := futures.NewClient("", "") // 公共接口不需要API Key
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &KlineDownloader{
		client: client,
		pause:  200 * time.Millisecond,
		logger: logger,
	}
}

// DownloadKlines 下载指定交易对和时间范围内的1分钟K线数据，并保存到CSV文件
// 如果文件已存在，则会跳过下载，直接使用缓存。
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Sugar().Infof("从缓存加载数据: %s", filePath)
		return nil
	}

	d.logger.Sugar().Infof("开始下载 %s 从 %s 到 %s 的K线数据...", symbol, startTime.Format("2006-01-02"), endTime.Format("2006-01-02"))

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", dir, err)
	}

	// 先写临时文件，成功后再改名，避免中断留下半个缓存
	tmpPath := filePath + ".part"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmpPath, err)
	}
	defer os.Remove(tmpPath)

	if err := d.download(ctx, file, symbol, startTime, endTime); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		return err
	}
	d.logger.Sugar().Infof("成功下载K线数据到 %s", filePath)
	return nil
}

func (d *KlineDownloader) download(ctx context.Context, file *os.File, symbol string, startTime, endTime time.Time) error {
	writer := csv.NewWriter(file)

	// 写入CSV表头
	header := []string{"open_time", "open", "high", "low", "close", "volume", "close_time", "quote_asset_volume", "number_of_trades", "taker_buy_base_asset_volume", "taker_buy_quote_asset_volume"}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("写入CSV表头失败: %w", err)
	}

	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval("1m").
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli() - 1).
			Limit(klineBatchLimit).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				fmt.Sprintf("%d", k.OpenTime),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				fmt.Sprintf("%d", k.CloseTime),
				k.QuoteAssetVolume,
				fmt.Sprintf("%d", k.TradeNum),
				k.TakerBuyBaseAssetVolume,
				k.TakerBuyQuoteAssetVolume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}

		// 更新下一次请求的开始时间
		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Sugar().Debugf("已下载数据至 %s", t.Format("2006-01-02 15:04:05"))
		if len(klines) < klineBatchLimit {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pause): // 避免过于频繁的请求
		}
	}

	writer.Flush()
	return writer.Error()
}
