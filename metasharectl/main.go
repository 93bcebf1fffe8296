package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/golang/glog"

	"github.com/oddbird/MetaShare/metashare"
)

const DefaultApiUrl = "http://localhost:8000"
const DefaultPushUrl = "ws://localhost:8000/ws/notifications/"

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`MetaShare control.

The default urls are:
    api_url: %s
    push_url: %s

The token is read from --token, then METASHARE_TOKEN, then prompted for.

Usage:
    metasharectl watch [<subscription>...]
        [--api_url=<api_url>] [--push_url=<push_url>] [--token=<token>]
    metasharectl list repositories
        [--api_url=<api_url>] [--token=<token>]
    metasharectl list projects --repository=<repository_id>
        [--api_url=<api_url>] [--token=<token>]
    metasharectl list tasks --project=<project_id>
        [--api_url=<api_url>] [--token=<token>]
    metasharectl list orgs --task=<task_id>
        [--api_url=<api_url>] [--token=<token>]
    metasharectl refresh-changes <org_id> [--timeout=<timeout>]
        [--api_url=<api_url>] [--push_url=<push_url>] [--token=<token>]
    metasharectl refresh-org <org_id> [--timeout=<timeout>]
        [--api_url=<api_url>] [--push_url=<push_url>] [--token=<token>]
    metasharectl commit <org_id> --message=<message> <change>... [--target_directory=<dir>] [--timeout=<timeout>]
        [--api_url=<api_url>] [--push_url=<push_url>] [--token=<token>]
    metasharectl delete-org <org_id> [--timeout=<timeout>]
        [--api_url=<api_url>] [--push_url=<push_url>] [--token=<token>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --push_url=<push_url>
    --token=<token>                  Your session token.
    --repository=<repository_id>
    --project=<project_id>
    --task=<task_id>
    --message=<message>              The commit message.
    --target_directory=<dir>         Where the captured changes are written.
    --timeout=<timeout>              How long to wait for the outcome [default: 5m].

A subscription is <model>.<id>, e.g. task.abc or scratch_org.xyz.
A change is <type>:<member>, e.g. ApexClass:Foo.`,
		DefaultApiUrl,
		DefaultPushUrl,
	)

	// glog flags come before the command. docopt parses the rest.
	flag.Parse()
	defer glog.Flush()

	opts, err := docopt.ParseArgs(usage, flag.Args(), RequireVersion())
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if watch_, _ := opts.Bool("watch"); watch_ {
		watch(ctx, opts)
	} else if list_, _ := opts.Bool("list"); list_ {
		list(ctx, opts)
	} else if refreshChanges_, _ := opts.Bool("refresh-changes"); refreshChanges_ {
		orgConcern(ctx, opts, func(actions *metashare.Actions, org *metashare.Org) error {
			_, err := actions.RefetchOrg(ctx, org)
			return err
		}, func(org *metashare.Org) bool {
			return !org.CurrentlyRefreshingChanges
		})
	} else if refreshOrg_, _ := opts.Bool("refresh-org"); refreshOrg_ {
		orgConcern(ctx, opts, func(actions *metashare.Actions, org *metashare.Org) error {
			_, err := actions.RefreshOrg(ctx, org)
			return err
		}, func(org *metashare.Org) bool {
			return !org.CurrentlyRefreshingOrg
		})
	} else if commit_, _ := opts.Bool("commit"); commit_ {
		commit(ctx, opts)
	} else if deleteOrg_, _ := opts.Bool("delete-org"); deleteOrg_ {
		deleteOrg(ctx, opts)
	}
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if value, ok := opts[key].(string); ok && value != "" {
		return value
	}
	return defaultValue
}

func requireToken(opts docopt.Opts) string {
	if token := optString(opts, "--token", ""); token != "" {
		return token
	}
	if token := os.Getenv("METASHARE_TOKEN"); token != "" {
		return token
	}
	fmt.Print("Enter token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return strings.TrimSpace(string(tokenBytes))
}

func requireTimeout(opts docopt.Opts) time.Duration {
	timeout, err := time.ParseDuration(optString(opts, "--timeout", "5m"))
	if err != nil {
		panic(err)
	}
	return timeout
}

func newClient(ctx context.Context, opts docopt.Opts) *metashare.Client {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	pushUrl := optString(opts, "--push_url", DefaultPushUrl)
	client := metashare.NewClientWithDefaults(ctx, apiUrl, pushUrl, requireToken(opts))

	user, err := client.Actions().RefreshUser(ctx)
	if err != nil {
		client.Close()
		fmt.Printf("Could not load the session user (%s).\n", err)
		os.Exit(1)
	}
	client.Login(user)
	return client
}

func printToast(toast *metashare.Toast) {
	heading := toast.Heading
	if toast.Variant == metashare.ToastVariantError {
		heading = color.New(color.FgRed).Sprint(heading)
	} else {
		heading = color.New(color.FgGreen).Sprint(heading)
	}
	fmt.Printf("%s\n", heading)
	if toast.Details != "" {
		fmt.Printf("    %s\n", toast.Details)
	}
	if toast.LinkUrl != "" {
		fmt.Printf("    %s %s\n", toast.LinkText, color.New(color.FgCyan).Sprint(toast.LinkUrl))
	}
}

// printToasts prints each toast as it is added and signals `toastAdded` after each one.
// It also prints socket connectivity changes.
func printToasts(client *metashare.Client, toastAdded chan *metashare.Toast) func() {
	return client.Store().AddListener(func(event metashare.Event, state *metashare.State) {
		switch v := event.(type) {
		case *metashare.ToastAddedEvent:
			printToast(v.Toast)
			select {
			case toastAdded <- v.Toast:
			default:
			}
		case *metashare.SocketConnectionEvent:
			if v.Connected {
				fmt.Printf("%s\n", color.New(color.FgCyan).Sprint("Connected."))
			} else {
				fmt.Printf("%s\n", color.New(color.FgYellow).Sprint("Disconnected. Reconnecting..."))
			}
		}
	})
}

func parseSubscription(s string) (metashare.Subscription, error) {
	model, id, ok := strings.Cut(s, ".")
	if !ok || model == "" || id == "" {
		return metashare.Subscription{}, fmt.Errorf("Invalid subscription %s", s)
	}
	return metashare.Subscription{
		Model: metashare.ObjectType(model),
		Id:    id,
	}, nil
}

// watch prints every routed toast until interrupted
func watch(ctx context.Context, opts docopt.Opts) {
	client := newClient(ctx, opts)
	defer client.Close()

	toastAdded := make(chan *metashare.Toast, 16)
	removeListener := printToasts(client, toastAdded)
	defer removeListener()

	subscriptions, _ := opts["<subscription>"].([]string)
	for _, s := range subscriptions {
		sub, err := parseSubscription(s)
		if err != nil {
			fmt.Printf("%s\n", err)
			return
		}
		client.Subscribe(sub)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case toast := <-toastAdded:
			client.RemoveToast(toast.Id)
		}
	}
}

// list fetches every page of one collection
func list(ctx context.Context, opts docopt.Opts) {
	apiUrl := optString(opts, "--api_url", DefaultApiUrl)
	requester := metashare.NewApiClientWithDefaults(requireToken(opts))
	store := metashare.NewStore()
	actions := metashare.NewActions(requester, metashare.DefaultApiUrls(apiUrl), store.Dispatch, nil)

	var objectType metashare.ObjectType
	filters := metashare.Filters{}
	if repositories_, _ := opts.Bool("repositories"); repositories_ {
		objectType = metashare.ObjectTypeRepository
	} else if projects_, _ := opts.Bool("projects"); projects_ {
		objectType = metashare.ObjectTypeProject
		filters[metashare.FilterRepository] = optString(opts, "--repository", "")
	} else if tasks_, _ := opts.Bool("tasks"); tasks_ {
		objectType = metashare.ObjectTypeTask
		filters[metashare.FilterProject] = optString(opts, "--project", "")
	} else if orgs_, _ := opts.Bool("orgs"); orgs_ {
		objectType = metashare.ObjectTypeOrg
		filters[metashare.FilterTask] = optString(opts, "--task", "")
	}

	page, err := actions.FetchObjects(ctx, &metashare.FetchObjectsArgs{
		ObjectType: objectType,
		Filters:    filters,
		Reset:      true,
	})
	for err == nil && page.Next != "" {
		page, err = actions.FetchObjects(ctx, &metashare.FetchObjectsArgs{
			ObjectType: objectType,
			Filters:    filters,
			Url:        page.Next,
		})
	}
	if err != nil {
		fmt.Printf("%s\n", color.New(color.FgRed).Sprint(metashare.MutationFailedToast(objectType, "fetch", err).Heading))
		os.Exit(1)
	}

	state := store.State()
	switch objectType {
	case metashare.ObjectTypeRepository:
		for _, repository := range state.Repositories.Objects {
			fmt.Printf("%s  %-24s %s\n", repository.Id, repository.Slug, repository.Name)
		}
	case metashare.ObjectTypeProject:
		for _, project := range state.ProjectsFor(filters[metashare.FilterRepository]).Objects {
			fmt.Printf("%s  %-24s %-12s %s\n", project.Id, project.Slug, project.Status, project.Name)
		}
	case metashare.ObjectTypeTask:
		for _, task := range state.TasksFor(filters[metashare.FilterProject]).Objects {
			fmt.Printf("%s  %-24s %-12s %s\n", task.Id, task.Slug, task.Status, task.Name)
		}
	case metashare.ObjectTypeOrg:
		taskId := filters[metashare.FilterTask]
		for _, orgType := range []metashare.OrgType{metashare.OrgTypeDev, metashare.OrgTypeQa} {
			if org := state.Org(taskId, orgType); org != nil {
				fmt.Printf("%s  %-4s owner=%s unsaved=%d %s\n", org.Id, org.OrgType, org.Owner, org.UnsavedTotal(), org.Url)
			}
		}
	}
}

func requireOrg(ctx context.Context, client *metashare.Client, opts docopt.Opts) *metashare.Org {
	orgId := optString(opts, "<org_id>", "")
	url, _ := metashare.DefaultApiUrls(optString(opts, "--api_url", DefaultApiUrl)).Url(
		metashare.ObjectTypeOrg,
		metashare.UrlDetail,
		orgId,
	)
	object, err := client.Actions().FetchObject(ctx, &metashare.FetchObjectArgs{
		ObjectType: metashare.ObjectTypeOrg,
		Url:        url,
	})
	if err != nil || object == nil {
		fmt.Printf("Could not load scratch org %s (%v).\n", orgId, err)
		os.Exit(1)
	}
	return object.(*metashare.Org)
}

// watchOrg signals `settled` for the first push about the org, received after `armed` is set, that `done` accepts.
// Silent outcomes such as a changes refresh arrive only as pushes.
func watchOrg(store *metashare.Store, orgId string, armed *atomic.Bool, done func(event *metashare.OrgPushEvent) bool, settled chan struct{}) func() {
	return store.AddListener(func(event metashare.Event, state *metashare.State) {
		v, ok := event.(*metashare.OrgPushEvent)
		if !ok || v.Model == nil || v.Model.Id != orgId || !armed.Load() || !done(v) {
			return
		}
		select {
		case settled <- struct{}{}:
		default:
		}
	})
}

// awaitOutcome waits for the push outcome of a started org operation.
// Toasts are dispatched before the push that caused them, so a settled push never cuts one off.
func awaitOutcome(ctx context.Context, toastAdded chan *metashare.Toast, settled chan struct{}, timeout time.Duration) {
	select {
	case <-ctx.Done():
	case <-toastAdded:
	case <-settled:
	case <-time.After(timeout):
		fmt.Printf("%s\n", color.New(color.FgYellow).Sprint("Timed out waiting for the outcome."))
		os.Exit(1)
	}
}

// orgConcern starts an org operation and waits until a toast reports it or a push shows `idle` again.
func orgConcern(ctx context.Context, opts docopt.Opts, do func(actions *metashare.Actions, org *metashare.Org) error, idle func(org *metashare.Org) bool) {
	client := newClient(ctx, opts)
	defer client.Close()

	toastAdded := make(chan *metashare.Toast, 16)
	removeListener := printToasts(client, toastAdded)
	defer removeListener()

	org := requireOrg(ctx, client, opts)

	var armed atomic.Bool
	settled := make(chan struct{}, 1)
	removeWatch := watchOrg(client.Store(), org.Id, &armed, func(event *metashare.OrgPushEvent) bool {
		return event.Type != metashare.PushOrgDeleted && event.Type != metashare.PushOrgRemoved && idle(event.Model)
	}, settled)
	defer removeWatch()

	client.Subscribe(metashare.Subscription{
		Model: metashare.ObjectTypeOrg,
		Id:    org.Id,
	})

	if err := do(client.Actions(), org); err != nil {
		client.ReportMutationError(metashare.ObjectTypeOrg, "update", err)
		os.Exit(1)
	}
	armed.Store(true)
	awaitOutcome(ctx, toastAdded, settled, requireTimeout(opts))
}

func commit(ctx context.Context, opts docopt.Opts) {
	changes := metashare.Changeset{}
	changeArgs, _ := opts["<change>"].([]string)
	for _, change := range changeArgs {
		changeType, member, ok := strings.Cut(change, ":")
		if !ok {
			fmt.Printf("Invalid change %s\n", change)
			os.Exit(1)
		}
		changes[changeType] = append(changes[changeType], member)
	}

	orgConcern(ctx, opts, func(actions *metashare.Actions, org *metashare.Org) error {
		_, err := actions.CommitChanges(ctx, org, &metashare.CommitChangesArgs{
			CommitMessage:   optString(opts, "--message", ""),
			Changes:         changes,
			TargetDirectory: optString(opts, "--target_directory", ""),
		})
		return err
	}, func(org *metashare.Org) bool {
		return !org.CurrentlyCapturingChanges
	})
}

func deleteOrg(ctx context.Context, opts docopt.Opts) {
	client := newClient(ctx, opts)
	defer client.Close()

	toastAdded := make(chan *metashare.Toast, 16)
	removeListener := printToasts(client, toastAdded)
	defer removeListener()

	org := requireOrg(ctx, client, opts)

	var armed atomic.Bool
	settled := make(chan struct{}, 1)
	removeWatch := watchOrg(client.Store(), org.Id, &armed, func(event *metashare.OrgPushEvent) bool {
		switch event.Type {
		case metashare.PushOrgDeleted, metashare.PushOrgRemoved, metashare.PushOrgDeleteFailed:
			return true
		default:
			return false
		}
	}, settled)
	defer removeWatch()

	err := client.Actions().DeleteObject(ctx, &metashare.DeleteObjectArgs{
		ObjectType: metashare.ObjectTypeOrg,
		Object:     org,
		Subscribe:  metashare.SubscribeAlways,
	})
	if err != nil {
		client.ReportMutationError(metashare.ObjectTypeOrg, "delete", err)
		os.Exit(1)
	}
	armed.Store(true)
	fmt.Printf("Deleting scratch org %s.\n", org.Id)
	awaitOutcome(ctx, toastAdded, settled, requireTimeout(opts))
}

func RequireVersion() string {
	if version := os.Getenv("METASHARE_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
