package ingest

import (
	"marketfeed/internal/model"
	"marketfeed/internal/pkg/phone"
	"marketfeed/internal/source"
)

// extractAuthor 返回只填充了作者相关字段的 Post。
//
// 作者类型按优先级判定：用户 > 以频道身份发送 > 转发 > 服务消息。
func extractAuthor(msg *source.Message) model.Post {
	var p model.Post
	p.PostAuthor = msg.PostAuthor

	if u := msg.Sender; u != nil {
		p.SenderUsername = u.Username
		p.SenderPhone = phone.FormatGeorgian(u.Phone)
		if u.Username != "" {
			p.TGLink = "https://t.me/" + u.Username
		}
		p.SenderName = u.Name()
	}
	if p.SenderName == "" {
		p.SenderName = msg.PostAuthor
	}

	switch {
	case msg.Sender != nil && msg.Sender.ID != 0:
		p.Sender = msg.Sender.ID
		p.AuthorType = model.AuthorUser
	case msg.SenderChat != nil:
		p.SenderChat = msg.SenderChat.ID
		p.SenderChatTitle = msg.SenderChat.Title
		p.AuthorType = model.AuthorChannel
	case msg.Forward != nil:
		p.FwdFromID = msg.Forward.FromID
		p.FwdFromName = msg.Forward.FromName
		p.AuthorType = model.AuthorForward
	default:
		p.AuthorType = model.AuthorService
	}
	return p
}
