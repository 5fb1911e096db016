package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"booruramen/internal/analytics"
	"booruramen/internal/booru"
	"booruramen/internal/cmdlog"
	"booruramen/internal/config"
	"booruramen/internal/curator"
	"booruramen/internal/metrics"
	"booruramen/internal/model"
	"booruramen/internal/profile"
	"booruramen/internal/score"
	"booruramen/internal/store/boorudb"
	"booruramen/internal/strategy"
	"booruramen/internal/theme"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "init":
		cmdInit()
	case "feed":
		cmdFeed()
	case "track":
		cmdTrack()
	case "tags":
		cmdTags()
	case "monitor":
		cmdMonitor()
	case "verify":
		cmdVerify()
	case "reset":
		cmdReset()
	case "profile":
		cmdProfile()
	default:
		printHelp()
	}
}

func printHelp() {
	theme.PrintBanner()
	fmt.Println("Usage: booruramen <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init        Create a config file at ./booruramen.yaml")
	fmt.Println("  feed        Fetch and print a curated explore feed")
	fmt.Println("  track       Record an interaction with a post")
	fmt.Println("  tags        Show top profile tags and tag pairs")
	fmt.Println("  monitor     Show hourly interaction analytics")
	fmt.Println("  verify      Check connectivity to configured sources")
	fmt.Println("  reset       Reset recommendations from this moment on")
	fmt.Println("  profile     Export or import the profile snapshot")
}

func die(err error) {
	fmt.Println("error:", err)
	os.Exit(1)
}

// app bundles the wired components behind every stateful command.
type app struct {
	cfg      config.Config
	db       *boorudb.DB
	engine   *profile.Engine
	scorer   *score.Scorer
	strategy *strategy.Strategist
	adapters []booru.Adapter
}

func buildApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	db, err := boorudb.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	metrics.StartServer(cfg.Metrics.Addr)

	a := &app{cfg: cfg, db: db}
	// The scorer and strategist read the profile through a closure so they
	// can be handed to the engine as cache/session hooks at construction.
	profileFn := func() *profile.Normalized { return a.engine.Normalized() }
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	a.scorer = score.New(profileFn, rng)
	a.strategy = strategy.New(profileFn, rng)
	a.engine = profile.NewEngine(db, cfg.Profile.DecayRate,
		time.Duration(cfg.Profile.RefreshMinutes)*time.Minute,
		profile.WithScoreCache(a.scorer), profile.WithSession(a.strategy))

	for _, sc := range cfg.Sources {
		ad, err := booru.New(sc)
		if err != nil {
			db.Close()
			return nil, err
		}
		a.adapters = append(a.adapters, ad)
	}

	if len(cfg.Feed.AvoidedTags) > 0 {
		if err := db.SetAvoidedTags(context.Background(), cfg.Feed.AvoidedTags); err != nil {
			db.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) close() { _ = a.db.Close() }

// fetchAll queries every configured source for one strategist query and
// concatenates whatever came back. Adapter-level failures already degrade to
// empty batches.
func (a *app) fetchAll(ctx context.Context, q model.Query) ([]model.Post, error) {
	var out []model.Post
	for _, ad := range a.adapters {
		posts, err := ad.GetPosts(ctx, q)
		if err != nil {
			continue
		}
		out = append(out, posts...)
	}
	return out, nil
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "./booruramen.yaml", "path to write config")
	_ = fs.Parse(os.Args[2:])
	cfg := config.Default()
	if err := config.Save(*path, cfg); err != nil {
		die(err)
	}
	abs, _ := filepath.Abs(*path)
	theme.PrintBanner()
	fmt.Println("Config written to:", abs)
}

func cmdFeed() {
	fs := flag.NewFlagSet("feed", flag.ExitOnError)
	cfgPath := fs.String("config", "./booruramen.yaml", "config path")
	debug := fs.Bool("debug", false, "print score breakdowns")
	_ = fs.Parse(os.Args[2:])

	err := cmdlog.Run("feed", func() error {
		a, err := buildApp(*cfgPath)
		if err != nil {
			return err
		}
		defer a.close()
		ctx := context.Background()
		if err := a.engine.UpdateUserProfile(ctx); err != nil {
			return err
		}

		seen, err := seenPostKeys(ctx, a.db)
		if err != nil {
			return err
		}
		cur := curator.New(a.strategy, a.scorer)
		posts, err := cur.CuratedExploreFeed(ctx, a.fetchAll, curator.Options{
			PostsPerFetch:     a.cfg.Feed.PostsPerFetch,
			MaxTotal:          a.cfg.Feed.MaxTotal,
			SelectedRatings:   selectedRatings(a.cfg, a.engine.Normalized()),
			Whitelist:         a.cfg.Feed.Whitelist,
			Blacklist:         a.cfg.Feed.Blacklist,
			ExistingPostKeys:  seen,
			WantsVideos:       a.cfg.Feed.WantsVideos,
			WantsImages:       a.cfg.Feed.WantsImages,
			TagLimit:          booru.MinTagLimit(a.adapters),
			DiscoveryInterval: a.cfg.Feed.DiscoveryInterval,
			RankedFraction:    a.cfg.Feed.RankedFraction,
		})
		if err != nil {
			return err
		}
		if len(posts) == 0 {
			fmt.Println("No posts found. Try interacting more or loosening filters.")
			return nil
		}
		for i, p := range posts {
			fmt.Printf("%2d. [%s] %s rating=%s via %q\n", i+1, p.Key(), p.PostURL, p.Rating, p.StrategyTag)
			if *debug {
				d := a.scorer.PostScoreDetails(p)
				fmt.Printf("    score=%.3f tag=%.3f discovery=%.2f rating=%.3f media=%.3f\n",
					d.Total, d.TagTerm, d.DiscoveryBonus, d.RatingTerm, d.MediaTerm)
				for _, c := range d.Contributing {
					fmt.Printf("      %-24s %s %+.3f\n", c.Tag, c.Category, c.Score)
				}
			}
		}
		return nil
	})
	if err != nil {
		os.Exit(1)
	}
}

func cmdTrack() {
	fs := flag.NewFlagSet("track", flag.ExitOnError)
	cfgPath := fs.String("config", "./booruramen.yaml", "config path")
	postID := fs.Int64("post", 0, "post id")
	source := fs.String("source", "", "source name (default: first configured)")
	typ := fs.String("type", "like", "like|dislike|favorite|view|timeSpent")
	value := fs.Float64("value", 1, "milliseconds for timeSpent, 1 otherwise")
	now := fs.Bool("now", true, "recompute the profile immediately")
	_ = fs.Parse(os.Args[2:])

	err := cmdlog.Run("track", func() error {
		if *postID == 0 {
			return fmt.Errorf("track: -post is required")
		}
		a, err := buildApp(*cfgPath)
		if err != nil {
			return err
		}
		defer a.close()
		ctx := context.Background()

		ad, err := a.adapterNamed(*source)
		if err != nil {
			return err
		}
		posts, err := ad.GetPosts(ctx, model.Query{Tags: fmt.Sprintf("id:%d", *postID), Limit: 1})
		if err != nil || len(posts) == 0 {
			return fmt.Errorf("track: post %d not found on %s", *postID, ad.Name())
		}
		in := model.Interaction{
			PostID:   *postID,
			Source:   ad.Name(),
			Type:     model.InteractionType(*typ),
			Value:    *value,
			Snapshot: model.SnapshotOf(posts[0]),
		}
		if err := a.engine.TrackInteraction(ctx, in, *now); err != nil {
			return err
		}
		history, err := a.db.InteractionsByPost(ctx, *postID)
		if err != nil {
			return err
		}
		fmt.Printf("Tracked %s on %s (%d interaction(s) recorded for this post)\n", in.Type, posts[0].Key(), len(history))
		return nil
	})
	if err != nil {
		os.Exit(1)
	}
}

func cmdTags() {
	fs := flag.NewFlagSet("tags", flag.ExitOnError)
	cfgPath := fs.String("config", "./booruramen.yaml", "config path")
	limit := fs.Int("limit", 20, "tags to show")
	pairs := fs.Int("pairs", 10, "tag pairs to show")
	_ = fs.Parse(os.Args[2:])

	err := cmdlog.Run("tags", func() error {
		a, err := buildApp(*cfgPath)
		if err != nil {
			return err
		}
		defer a.close()
		ctx := context.Background()
		if err := a.engine.UpdateUserProfile(ctx); err != nil {
			return err
		}

		snap, err := a.db.SnapshotGet(ctx)
		if err != nil {
			return err
		}
		if snap == nil {
			fmt.Println("No profile yet. Track some interactions first.")
			return nil
		}
		fmt.Println("Top tags:")
		for _, ts := range analytics.TopTags(snap.RawTagScore, *limit) {
			fmt.Printf("  %-28s %+.3f (%s)\n", ts.Tag, ts.Score, snap.TagCategory[ts.Tag])
		}
		interactions, err := a.db.Interactions(ctx)
		if err != nil {
			return err
		}
		tp := analytics.TagPairs(interactions, profile.InteractionWeights(), *pairs)
		if len(tp) > 0 {
			fmt.Println("Frequent pairs:")
			for _, p := range tp {
				fmt.Printf("  %s + %s  %.1f\n", p.A, p.B, p.Weight)
			}
		}
		norm := a.engine.Normalized()
		fmt.Print("Recommended ratings:")
		for _, r := range norm.RecommendedRatings() {
			fmt.Printf(" %s", r)
		}
		fmt.Println()
		return nil
	})
	if err != nil {
		os.Exit(1)
	}
}

func cmdMonitor() {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	cfgPath := fs.String("config", "./booruramen.yaml", "config path")
	_ = fs.Parse(os.Args[2:])

	err := cmdlog.Run("monitor", func() error {
		a, err := buildApp(*cfgPath)
		if err != nil {
			return err
		}
		defer a.close()
		interactions, err := a.db.Interactions(context.Background())
		if err != nil {
			return err
		}
		b := analytics.HourlyInteractions(interactions)
		for _, k := range analytics.SortedBucketKeys(b) {
			fmt.Printf("%s -> %v\n", k.Format("2006-01-02 15:00"), b[k])
		}
		return nil
	})
	if err != nil {
		os.Exit(1)
	}
}

func cmdVerify() {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	cfgPath := fs.String("config", "./booruramen.yaml", "config path")
	_ = fs.Parse(os.Args[2:])

	err := cmdlog.Run("verify", func() error {
		a, err := buildApp(*cfgPath)
		if err != nil {
			return err
		}
		defer a.close()
		ctx := context.Background()
		failed := 0
		for _, ad := range a.adapters {
			if err := ad.VerifyConnection(ctx); err != nil {
				fmt.Printf("  %-12s FAIL  %v\n", ad.Name(), err)
				failed++
				continue
			}
			fmt.Printf("  %-12s OK\n", ad.Name())
		}
		if failed > 0 {
			return fmt.Errorf("%d source(s) unreachable", failed)
		}
		return nil
	})
	if err != nil {
		os.Exit(1)
	}
}

func cmdReset() {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	cfgPath := fs.String("config", "./booruramen.yaml", "config path")
	purge := fs.Bool("purge", false, "also delete the interaction history")
	_ = fs.Parse(os.Args[2:])

	err := cmdlog.Run("reset", func() error {
		a, err := buildApp(*cfgPath)
		if err != nil {
			return err
		}
		defer a.close()
		ctx := context.Background()
		if err := a.engine.ResetRecommendations(ctx); err != nil {
			return err
		}
		if *purge {
			if err := a.db.PurgeInteractions(ctx); err != nil {
				return err
			}
		}
		fmt.Println("Recommendations reset.")
		return nil
	})
	if err != nil {
		os.Exit(1)
	}
}

func cmdProfile() {
	fs := flag.NewFlagSet("profile", flag.ExitOnError)
	cfgPath := fs.String("config", "./booruramen.yaml", "config path")
	export := fs.String("export", "", "write the profile snapshot to this file")
	imp := fs.String("import", "", "replace the profile snapshot from this file")
	_ = fs.Parse(os.Args[2:])

	err := cmdlog.Run("profile", func() error {
		a, err := buildApp(*cfgPath)
		if err != nil {
			return err
		}
		defer a.close()
		ctx := context.Background()
		switch {
		case *export != "":
			if err := a.engine.UpdateUserProfile(ctx); err != nil {
				return err
			}
			snap, err := a.db.SnapshotGet(ctx)
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("profile: nothing to export")
			}
			blob, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(*export, blob, 0o644); err != nil {
				return err
			}
			fmt.Println("Profile exported to:", *export)
		case *imp != "":
			blob, err := os.ReadFile(*imp)
			if err != nil {
				return err
			}
			var snap boorudb.Snapshot
			if err := json.Unmarshal(blob, &snap); err != nil {
				return err
			}
			snap.Timestamp = time.Now().UTC()
			if err := a.db.SnapshotPut(ctx, &snap); err != nil {
				return err
			}
			fmt.Println("Profile imported from:", *imp)
		default:
			return fmt.Errorf("profile: pass -export or -import")
		}
		return nil
	})
	if err != nil {
		os.Exit(1)
	}
}

func (a *app) adapterNamed(name string) (booru.Adapter, error) {
	if len(a.adapters) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}
	if name == "" {
		return a.adapters[0], nil
	}
	for _, ad := range a.adapters {
		if ad.Name() == name {
			return ad, nil
		}
	}
	return nil, fmt.Errorf("unknown source %q", name)
}

// selectedRatings intersects configured ratings with what the tracked
// profile actually recommends, falling back to the configured list when the
// intersection would be empty.
func selectedRatings(cfg config.Config, norm *profile.Normalized) []model.Rating {
	configured := make([]model.Rating, 0, len(cfg.Feed.Ratings))
	for _, s := range cfg.Feed.Ratings {
		configured = append(configured, model.NormalizeRating(s))
	}
	rec := make(map[model.Rating]struct{})
	for _, r := range norm.RecommendedRatings() {
		rec[r] = struct{}{}
	}
	var out []model.Rating
	for _, r := range configured {
		if _, ok := rec[r]; ok {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return configured
	}
	return out
}

func seenPostKeys(ctx context.Context, db *boorudb.DB) (map[string]struct{}, error) {
	interactions, err := db.Interactions(ctx)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]struct{}, len(interactions))
	for _, in := range interactions {
		keys[in.Source+":"+fmt.Sprint(in.PostID)] = struct{}{}
	}
	return keys, nil
}
