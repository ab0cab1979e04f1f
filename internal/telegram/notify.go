package telegram

import (
	"context"
	"sync/atomic"

	"github.com/digkill/TGVideoBot/internal/models"
	"github.com/digkill/TGVideoBot/internal/service"
)

// DeferredNotifier breaks the construction cycle between the generation
// service and the bot: the service is wired with this stub first and the bot
// is bound once it exists. Notifications before Bind are dropped, which
// cannot happen in practice since jobs only start after the bot is running.
type DeferredNotifier struct {
	target atomic.Pointer[Bot]
}

func (d *DeferredNotifier) Bind(bot *Bot) {
	d.target.Store(bot)
}

func (d *DeferredNotifier) NotifySuccess(ctx context.Context, job *models.Job) {
	if bot := d.target.Load(); bot != nil {
		bot.NotifySuccess(ctx, job)
	}
}

func (d *DeferredNotifier) NotifyFailure(ctx context.Context, job *models.Job, reason string, refunded bool) {
	if bot := d.target.Load(); bot != nil {
		bot.NotifyFailure(ctx, job, reason, refunded)
	}
}

var _ service.Notifier = (*DeferredNotifier)(nil)
