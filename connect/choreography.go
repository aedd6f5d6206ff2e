package connect

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
)

var ErrIncompleteIdentity = errors.New("incomplete user identity")

// UserInfo identifies the user entering a context.
// `User` names an existing user. Otherwise `Utag` and `Uparam` must be given together.
type UserInfo struct {
	Auth   string
	Name   string
	User   string
	Utag   string
	Uparam string
	// Credential is sealed into the director `auth` message when the session has a `Sealer`. Optional.
	Credential any
}

func (self *UserInfo) enterContextMessage(context string, template string) (*EnterContextMessage, error) {
	msg := &EnterContextMessage{
		To:      SessionRef,
		Op:      "entercontext",
		Context: context,
		Ctmpl:   template,
		Auth:    self.Auth,
		Name:    self.Name,
	}
	if self.User != "" {
		msg.User = self.User
	} else if self.Utag != "" || self.Uparam != "" {
		if self.Utag == "" {
			return nil, fmt.Errorf("%w: user info is missing 'utag'", ErrIncompleteIdentity)
		}
		if self.Uparam == "" {
			return nil, fmt.Errorf("%w: user info is missing 'uparam'", ErrIncompleteIdentity)
		}
		msg.Utag = self.Utag
		msg.Uparam = self.Uparam
	}
	return msg, nil
}

// ConnectToContext connects to `root` and asks to enter `context`.
// An incomplete identity aborts before anything is opened or sent.
func (self *Session) ConnectToContext(root string, context string, userInfo *UserInfo, template string) error {
	msg, err := userInfo.enterContextMessage(context, template)
	if err != nil {
		self.logError("%s", err)
		return err
	}
	glog.V(1).Infof("[session]enter context %s at %s\n", context, root)
	self.Connect(root)
	return self.Send(msg)
}

// ConnectToContextViaDirector asks the director at `root` for a reservation to `context`,
// then enters the context at the granted host with the reservation as the auth credential.
func (self *Session) ConnectToContextViaDirector(root string, context string, userInfo *UserInfo, template string) error {
	if _, err := userInfo.enterContextMessage(context, template); err != nil {
		self.logError("%s", err)
		return err
	}
	auth, err := self.directorAuth(userInfo)
	if err != nil {
		self.logError("cannot seal credential: %s", err)
		return err
	}

	glog.V(1).Infof("[session]reserve %s through director %s\n", context, root)
	self.Connect(root)

	director := self.NewObject(DirectorRef, map[string]ObjectOp{
		"reserve": func(director *Object, msg *Message) error {
			var reserve ReserveMessage
			if err := msg.Decode(&reserve); err != nil {
				return err
			}
			self.Disconnect()
			if reserve.Deny != "" {
				self.logError("reservation failure: %s", reserve.Deny)
				return nil
			}
			if !reserve.Granted() {
				self.logError("reservation failure: incomplete reservation %s", msg)
				return nil
			}
			glog.V(1).Infof("[session]reservation granted for %s at %s\n", context, reserve.Hostport)
			grantedUserInfo := *userInfo
			grantedUserInfo.Auth = reserve.Reservation
			return self.ConnectToContext(reserve.Hostport, context, &grantedUserInfo, template)
		},
	})
	if err := self.AddObject(director); err != nil {
		return err
	}

	self.Send(&DirectorAuthMessage{
		To:   DirectorRef,
		Op:   "auth",
		Auth: auth,
	})
	return self.Send(&ReserveRequestMessage{
		To:       DirectorRef,
		Op:       "reserve",
		Protocol: self.settings.Dialer.Protocol(),
		Context:  context,
	})
}

func (self *Session) directorAuth(userInfo *UserInfo) (*AuthDesc, error) {
	if userInfo.Credential == nil || self.settings.Sealer == nil {
		return nil, nil
	}
	token, err := self.settings.Sealer.Encode(userInfo.Credential, self.settings.CredentialTtl)
	if err != nil {
		return nil, err
	}
	return &AuthDesc{
		Mode: "password",
		Code: token,
		Id:   userInfo.User,
	}, nil
}
