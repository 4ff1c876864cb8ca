// Package redirect turns a staged redirection request into a navigation
// decision and carries it out against the hosting shell.
package redirect

import (
	"slices"

	"pkt.systems/editlock/api"
)

const (
	// RootCollection stands for the account's root collection.
	RootCollection = "/"
	// ActiveCollection stands for the collection currently shown.
	ActiveCollection = ".."
)

// Action is what the shell should do with a redirection.
type Action int

const (
	// ActionNone leaves the user where they are.
	ActionNone Action = iota
	// ActionNavigate moves to Decision.CollectionID.
	ActionNavigate
	// ActionRefresh reloads the listing in place.
	ActionRefresh
	// ActionNavigateBrowse moves to the browse root.
	ActionNavigateBrowse
	// ActionReloadBrowse reloads the browse root in place.
	ActionReloadBrowse
)

func (a Action) String() string {
	switch a {
	case ActionNavigate:
		return "navigate"
	case ActionRefresh:
		return "refresh"
	case ActionNavigateBrowse:
		return "navigate_browse"
	case ActionReloadBrowse:
		return "reload_browse"
	default:
		return "none"
	}
}

// View is the part of the shell state a redirect is resolved against.
type View struct {
	// InComposer is true while an editor is mounted.
	InComposer bool
	// AtBrowseRoot is true while the browse root is shown.
	AtBrowseRoot bool
	// RootCollectionID is what "/" resolves to.
	RootCollectionID string
	// ActiveCollectionID is what ".." resolves to.
	ActiveCollectionID string
	// CurrentCollectionID is the collection listed right now. It is empty
	// while an editor covers the listing.
	CurrentCollectionID string
	// Breadcrumbs are the loaded paths, each a list of item ids.
	Breadcrumbs [][]string
	// EditableItemIDs lists the items the user may open.
	EditableItemIDs []string
}

// Reachable reports whether itemID appears on a breadcrumb path or among the
// editable items.
func (v View) Reachable(itemID string) bool {
	if itemID == "" {
		return false
	}
	for _, path := range v.Breadcrumbs {
		if slices.Contains(path, itemID) {
			return true
		}
	}
	return slices.Contains(v.EditableItemIDs, itemID)
}

// Decision is the outcome of Resolve.
type Decision struct {
	Action       Action
	CollectionID string
	TargetItemID string
	Reason       string
}

// Resolve decides what a redirection policy means for the given view.
// A nil policy resolves to ActionNone.
func Resolve(policy *api.RedirectionPolicy, view View) Decision {
	if policy == nil {
		return Decision{}
	}
	d := Decision{TargetItemID: policy.TargetItemID, Reason: policy.Reason}
	if !view.Reachable(policy.TargetItemID) {
		return d
	}
	if policy.RestrictRedirectionToComposer && !view.InComposer {
		return d
	}
	target := policy.RedirectCollectionID
	switch target {
	case RootCollection:
		target = view.RootCollectionID
	case ActiveCollection:
		target = view.ActiveCollectionID
	}
	// No collection, or a placeholder the view cannot resolve: fall back
	// to the browse root.
	if target == "" {
		if view.AtBrowseRoot {
			d.Action = ActionReloadBrowse
		} else {
			d.Action = ActionNavigateBrowse
		}
		return d
	}
	d.CollectionID = target
	if target == view.CurrentCollectionID {
		d.Action = ActionRefresh
	} else {
		d.Action = ActionNavigate
	}
	return d
}
