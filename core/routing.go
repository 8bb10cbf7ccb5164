package core

import (
	"context"

	"github.com/sirupsen/logrus"
)

// route delivers one single-destination message. Destinations that are not
// plainly local and that the actor knows about are first offered to the
// portal; anything the portal does not take goes to local delivery.
func (u *Unit) route(ctx context.Context, msg *Message) {
	to := msg.Address.Target()

	if u.shouldTryPortal(to) {
		sent, err := u.sendViaPortal(ctx, msg)
		if sent {
			return
		}
		entry := u.log().WithFields(logrus.Fields{"to": to, "type": msg.Type})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Debug("portal did not take message, falling back to local delivery")
	}

	u.emit(msg)
}

// shouldTryPortal decides whether to offer a message for to to the portal.
func (u *Unit) shouldTryPortal(to ActorID) bool {
	portal := u.Portal()
	if portal == "" || to == "" || to == System || to == portal || u.ID() == portal {
		return false
	}
	if u.dir.IsLocal(to) && !u.dir.IsRemote(to) {
		return false
	}
	return u.book.Has(to) || u.dir.IsRemote(to)
}

// sendViaPortal asks the portal to deliver msg remotely. It reports
// whether the portal accepted it.
func (u *Unit) sendViaPortal(ctx context.Context, msg *Message) (bool, error) {
	req := &Message{
		Address: NewAddress(u.ID(), u.Portal()),
		Type:    TypeSend,
		Payload: msg,
	}
	result, err := u.await(ctx, u.request(ctx, req))
	if err != nil {
		return false, err
	}

	var sent bool
	if err := DecodePayload(result, &sent); err != nil {
		return false, err
	}
	return sent, nil
}

// emit hands a message to the supervisor for local delivery.
func (u *Unit) emit(msg *Message) {
	u.out.submit(u, msg)
}
