package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zhukovaskychina/xrowcache/logger"
	"github.com/zhukovaskychina/xrowcache/server/conf"
	"github.com/zhukovaskychina/xrowcache/server/innodb/engine"
	"github.com/zhukovaskychina/xrowcache/server/innodb/record"
)

const help = `
******************************************************************************************
*帮助:
*1. -configPath   指定 xrowcache.ini 或 .toml 配置文件
*2. -indexes      新建数据文件时的索引定义, 例如 pk:0:unique,by_name:1
*3. -check        检查所有索引
*4. -repair       检查并从完好的索引重建损坏的索引
*5. -stats        打印缓存与表空间统计
******************************************************************************************
`

func main() {
	var (
		configPath string
		indexes    string
		doCheck    bool
		doRepair   bool
		doStats    bool
	)
	flag.StringVar(&configPath, "configPath", "", "配置文件路径")
	flag.StringVar(&indexes, "indexes", "", "索引定义, 仅新建数据文件时需要")
	flag.BoolVar(&doCheck, "check", false, "检查索引")
	flag.BoolVar(&doRepair, "repair", false, "检查并修复索引")
	flag.BoolVar(&doStats, "stats", false, "打印统计信息")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), help)
		flag.PrintDefaults()
	}
	flag.Parse()

	config, err := conf.NewCfg().Load(&conf.CommandLineArgs{ConfigPath: configPath})
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(2)
	}
	if err := logger.InitLogger(logger.LogConfig{
		ErrorLogPath: config.LogError,
		InfoLogPath:  config.LogInfos,
		LogLevel:     config.LogLevel,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(2)
	}

	var defs []record.IndexDef
	if indexes != "" {
		if defs, err = record.ParseIndexDefs(indexes); err != nil {
			logger.Errorf("bad -indexes: %v", err)
			os.Exit(2)
		}
	}

	store, err := engine.Open(config, defs)
	if err != nil {
		logger.Errorf("open %s: %v", config.DataFilePath(), err)
		os.Exit(1)
	}
	code := run(store, doCheck || doRepair, doRepair, doStats)
	if err := store.Close(); err != nil {
		logger.Errorf("close %s: %v", config.DataFilePath(), err)
		code = 1
	}
	os.Exit(code)
}

func run(store *engine.Store, doCheck, doRepair, doStats bool) int {
	code := 0
	if doCheck {
		report, err := store.Check(doRepair)
		if report != nil {
			fmt.Print(report.String())
		}
		switch {
		case err != nil:
			logger.Errorf("check: %v", err)
			code = 1
		case report.RemainingErrors() > 0:
			code = 1
		}
	}
	if doStats {
		printStats(store)
	}
	return code
}

func printStats(store *engine.Store) {
	cache := store.CacheStats()
	space := store.SpaceStats()
	fmt.Printf("rows:        %d\n", store.RowCount())
	fmt.Printf("file:        %d bytes, %d blocks (%d free, %d owned)\n",
		space.FileLength, space.Blocks.Blocks, space.Blocks.FreeBlocks, space.Blocks.OwnedBlocks)
	fmt.Printf("free units:  %d in directory, %d in %d allocator records\n",
		space.Blocks.FreeUnits, space.Space.FreeUnits, space.Space.FreeRecords)
	fmt.Printf("cache:       requests %d, hit ratio %.2f, flushed %d rows, evicted %d\n",
		cache.Requests, cache.GetHitRatio(), cache.FlushedRows, cache.Evictions)
	for i, def := range store.IndexDefs() {
		fmt.Printf("index %d:     %s\n", i, def)
	}
}
