package roomhandler

import "danmakugo/internal/danmaku"

// SendDanmakuBody is the HTTP counterpart of a websocket "danmaku/send".
type SendDanmakuBody struct {
	SenderID string            `json:"sender_id" binding:"required,max=128" example:"user123"`
	Content  string            `json:"content"                              example:"hello"`
	Type     string            `json:"type"      binding:"omitempty,oneof=text emote"`
	Color    string            `json:"color"     binding:"omitempty,hexcolor" example:"#ffcc00"`
	Emote    *danmaku.EmoteRef `json:"emote"`
}

type SendDanmakuResponse struct {
	RoomID string `json:"room_id"`
	Result string `json:"result"`
}

type WordsBody struct {
	Words []string `json:"words" binding:"required,min=1,dive,required,max=64"`
}

type WordsResponse struct {
	Words []string `json:"words,omitempty"`
	Added int      `json:"added,omitempty"`
	Count int      `json:"count"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type RecentMessagesQuery struct {
	Limit int `form:"limit,default=50" binding:"gte=1,lte=200"`
}
