package broker

import "gorollout/models"

// Experiments arrive from the store ordered by slug, so every queue below is
// slug-ascending and the first match is the head.

func isLaunch(e *models.Experiment, p models.PublishStatus) bool {
	return (e.Status == models.StatusDraft || e.Status == models.StatusPreview) &&
		e.NextIs(models.StatusLive) && e.PublishStatus == p
}

func isUpdate(e *models.Experiment, p models.PublishStatus) bool {
	return e.Status == models.StatusLive && e.NextIs(models.StatusLive) && e.PublishStatus == p
}

func isEnd(e *models.Experiment, p models.PublishStatus) bool {
	return e.Status == models.StatusLive && e.NextIs(models.StatusComplete) && e.PublishStatus == p
}

func first(exps []*models.Experiment, match func(*models.Experiment) bool) *models.Experiment {
	for _, e := range exps {
		if match(e) {
			return e
		}
	}
	return nil
}

func waiting(exps []*models.Experiment) *models.Experiment {
	return first(exps, func(e *models.Experiment) bool {
		return e.PublishStatus == models.PublishWaiting
	})
}

// next picks the single experiment to push: launches before ends before
// updates.
func next(exps []*models.Experiment) (*models.Experiment, Action) {
	if e := first(exps, func(e *models.Experiment) bool { return isLaunch(e, models.PublishApproved) }); e != nil {
		return e, ActionLaunch
	}
	if e := first(exps, func(e *models.Experiment) bool { return isEnd(e, models.PublishApproved) }); e != nil {
		return e, ActionEnd
	}
	if e := first(exps, func(e *models.Experiment) bool { return isUpdate(e, models.PublishApproved) }); e != nil {
		return e, ActionUpdate
	}
	return nil, ""
}
