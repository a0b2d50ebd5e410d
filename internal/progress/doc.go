// Package progress tracks and reports sync progress.
//
// A Tracker follows one partition. Its totals are frozen once, before any
// file is transferred, so the completed fraction never moves backwards
// while work is still being discovered. A Group sums trackers for overall
// progress, and a Reporter renders a Group to a terminal on a ticker.
//
// # Usage
//
//	gi := progress.NewTracker("gi")
//	gi.Freeze(len(plan.Fetch)+len(plan.Deleted), plan.TotalBytes())
//
//	group := progress.NewGroup(gi)
//	reporter := progress.NewReporter(group, progress.Options{Title: "Syncing"})
//	reporter.Start()
//	defer reporter.Stop()
//
//	gi.Start("Textures/Body.png")
//	gi.AddBytes(n)
//	gi.Complete()
//
// # Output Format
//
//	[hoyosync] Syncing
//	[hoyosync] Partitions: 2 | Files: 120 | Size: 1.2 GiB
//	[hoyosync] Progress: 45.0% | 54/120 files | 512 MiB / 1.2 GiB | Speed: 24 MiB/s | ETA: 28s
//	[hoyosync] downloading Textures/Body.png
package progress
