// trade-report summarizes the engine's trade journal: per-day and per-symbol
// realized P/L, win rate, and R-multiple statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"alpaca-trading-engine/config"
	"alpaca-trading-engine/internal/database"
)

type bucketStats struct {
	Trades     int
	Wins       int
	Losses     int
	RealizedPL float64
	SumR       float64
	BestR      float64
	WorstR     float64
}

func (s *bucketStats) add(profit, r float64) {
	s.Trades++
	s.RealizedPL += profit
	s.SumR += r
	if profit > 0 {
		s.Wins++
	} else if profit < 0 {
		s.Losses++
	}
	if s.Trades == 1 || r > s.BestR {
		s.BestR = r
	}
	if s.Trades == 1 || r < s.WorstR {
		s.WorstR = r
	}
}

func (s *bucketStats) winRate() float64 {
	if s.Trades == 0 {
		return 0
	}
	return 100 * float64(s.Wins) / float64(s.Trades)
}

func (s *bucketStats) avgR() float64 {
	if s.Trades == 0 {
		return 0
	}
	return s.SumR / float64(s.Trades)
}

func main() {
	configPath := flag.String("config", "config.json", "config file path")
	limit := flag.Int("limit", 2000, "max trade rows to read")
	days := flag.Int("days", 30, "lookback window in days")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewDB(database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}, zerolog.New(os.Stderr).Level(zerolog.WarnLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	store := database.NewStore(db)
	trades, err := store.GetTrades(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read trades: %v\n", err)
		os.Exit(1)
	}

	cutoff := time.Now().AddDate(0, 0, -*days)
	byDay := make(map[string]*bucketStats)
	bySymbol := make(map[string]*bucketStats)
	total := &bucketStats{}

	for _, tr := range trades {
		// Entries carry no realized P/L; only exits count toward results.
		if tr.Event == "entry" || tr.OccurredAt.Before(cutoff) {
			continue
		}
		day := tr.OccurredAt.Format("2006-01-02")
		if byDay[day] == nil {
			byDay[day] = &bucketStats{}
		}
		if bySymbol[tr.Symbol] == nil {
			bySymbol[tr.Symbol] = &bucketStats{}
		}
		byDay[day].add(tr.Profit, tr.RMultiple)
		bySymbol[tr.Symbol].add(tr.Profit, tr.RMultiple)
		total.add(tr.Profit, tr.RMultiple)
	}

	fmt.Printf("Trade report, last %d days (%d exit events)\n\n", *days, total.Trades)

	fmt.Println("Per day:")
	fmt.Printf("  %-12s %7s %8s %12s %7s %7s %7s\n", "date", "trades", "win%", "realized", "avgR", "bestR", "worstR")
	for _, day := range sortedKeys(byDay) {
		s := byDay[day]
		fmt.Printf("  %-12s %7d %7.1f%% %12.2f %7.2f %7.2f %7.2f\n",
			day, s.Trades, s.winRate(), s.RealizedPL, s.avgR(), s.BestR, s.WorstR)
	}

	fmt.Println("\nPer symbol:")
	fmt.Printf("  %-8s %7s %8s %12s %7s\n", "symbol", "trades", "win%", "realized", "avgR")
	for _, symbol := range sortedKeys(bySymbol) {
		s := bySymbol[symbol]
		fmt.Printf("  %-8s %7d %7.1f%% %12.2f %7.2f\n",
			symbol, s.Trades, s.winRate(), s.RealizedPL, s.avgR())
	}

	fmt.Printf("\nTotal: %d trades, %.1f%% wins, %.2f realized, %.2f avg R\n",
		total.Trades, total.winRate(), total.RealizedPL, total.avgR())
}

func sortedKeys(m map[string]*bucketStats) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
