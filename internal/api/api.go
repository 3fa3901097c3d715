package api

import (
	stderrors "errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/victornm/partyquiz/internal/broadcast"
	"github.com/victornm/partyquiz/internal/domain"
	"github.com/victornm/partyquiz/internal/errors"
	"github.com/victornm/partyquiz/internal/realtime"
	"github.com/victornm/partyquiz/internal/session"
)

type Config struct {
	Router      gin.IRouter
	Session     *session.Service
	Coordinator *broadcast.Coordinator
	Hub         *realtime.Hub
	Auth        AuthConfig
}

type API struct {
	ss  *session.Service
	co  *broadcast.Coordinator
	hub *realtime.Hub
}

func New(c Config) *API {
	a := &API{
		ss:  c.Session,
		co:  c.Coordinator,
		hub: c.Hub,
	}

	c.Router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r := c.Router.Group("/", authenticate(c.Auth))

	s := r.Group("/session")
	s.GET("", a.GetSession)
	s.POST("/create", a.CreateSession)
	s.POST("/join", a.JoinSession)
	s.POST("/leave", a.LeaveSession)
	s.POST("/start", a.StartSession)
	s.POST("/next", a.NextRound)
	s.POST("/end", a.EndSession)
	s.POST("/submit", a.SubmitAnswer)
	s.POST("/ready", a.ChangeReadyState)
	s.POST("/message", a.SendMessage)

	r.GET("/history", a.GetHistory)

	r.GET("/hub", a.Connect)
	r.POST("/hub/join", a.JoinGroup)

	return a
}

type (
	JoinSessionRequest struct {
		Code string `json:"code" binding:"required"`
	}

	StartSessionRequest struct {
		Rounds        int `json:"rounds"`
		RoundDuration int `json:"roundDuration"`
	}

	ConclusionRequest struct {
		Conclusion string `json:"conclusion"`
	}

	SubmitAnswerRequest struct {
		Answer string `json:"answer"`
	}

	ReadyRequest struct {
		Ready bool `json:"ready"`
	}

	MessageRequest struct {
		Message string `json:"message"`
	}

	JoinGroupRequest struct {
		ConnectionID string `json:"connectionId" binding:"required"`
	}

	Session struct {
		domain.Lobby
		Status        domain.Status `json:"status"`
		Rounds        int           `json:"rounds"`
		RoundDuration int           `json:"roundDuration"`
		CurrentRound  int           `json:"currentRound"`
		Cards         []domain.Card `json:"cards"`
	}

	Response struct {
		ID       string              `json:"id"`
		Round    int                 `json:"round"`
		AuthorID string              `json:"authorId"`
		Content  string              `json:"content"`
		Kind     domain.ResponseKind `json:"kind"`
		Created  time.Time           `json:"created"`
	}

	History struct {
		Session
		Responses []Response `json:"responses"`
	}

	ErrorResponse struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
)

func (a *API) CreateSession(ctx *gin.Context) {
	l, err := a.ss.CreateSession(ctx.Request.Context(), session.CreateSessionRequest{
		Principal: principal(ctx),
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, l)
}

func (a *API) JoinSession(ctx *gin.Context) {
	var req JoinSessionRequest
	if !bind(ctx, &req) {
		return
	}

	l, err := a.ss.JoinSession(ctx.Request.Context(), session.JoinSessionRequest{
		Principal: principal(ctx),
		Code:      req.Code,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, l)
}

func (a *API) LeaveSession(ctx *gin.Context) {
	resp, err := a.ss.LeaveSession(ctx.Request.Context(), session.LeaveSessionRequest{
		Principal: principal(ctx),
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	a.co.Dispatch(ctx.Request.Context(), resp.Broadcast)
	ctx.JSON(http.StatusOK, gin.H{"cancelled": resp.Cancelled})
}

func (a *API) StartSession(ctx *gin.Context) {
	var req StartSessionRequest
	if !bind(ctx, &req) {
		return
	}

	resp, err := a.ss.StartSession(ctx.Request.Context(), session.StartSessionRequest{
		Principal:     principal(ctx),
		RoundCount:    req.Rounds,
		RoundDuration: req.RoundDuration,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	a.co.Dispatch(ctx.Request.Context(), resp.Broadcast)
	ctx.JSON(http.StatusOK, toSession(resp.Session, nil))
}

func (a *API) NextRound(ctx *gin.Context) {
	var req ConclusionRequest
	if !bindOptional(ctx, &req) {
		return
	}

	resp, err := a.ss.NextRound(ctx.Request.Context(), session.NextRoundRequest{
		Principal:  principal(ctx),
		Conclusion: req.Conclusion,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	a.co.Dispatch(ctx.Request.Context(), resp.Broadcast)
	ctx.JSON(http.StatusOK, gin.H{"round": resp.Round})
}

func (a *API) EndSession(ctx *gin.Context) {
	var req ConclusionRequest
	if !bindOptional(ctx, &req) {
		return
	}

	resp, err := a.ss.EndSession(ctx.Request.Context(), session.EndSessionRequest{
		Principal:  principal(ctx),
		Conclusion: req.Conclusion,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	a.co.Dispatch(ctx.Request.Context(), resp.Broadcast)
	ctx.JSON(http.StatusOK, toSession(resp.Session, nil))
}

func (a *API) SubmitAnswer(ctx *gin.Context) {
	var req SubmitAnswerRequest
	if !bind(ctx, &req) {
		return
	}

	resp, err := a.ss.SubmitAnswer(ctx.Request.Context(), session.SubmitAnswerRequest{
		Principal: principal(ctx),
		Answer:    req.Answer,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	a.co.Dispatch(ctx.Request.Context(), resp.Broadcast)
	ctx.JSON(http.StatusOK, toResponse(resp.Response))
}

func (a *API) ChangeReadyState(ctx *gin.Context) {
	var req ReadyRequest
	if !bind(ctx, &req) {
		return
	}

	resp, err := a.ss.ChangeReadyState(ctx.Request.Context(), session.ChangeReadyStateRequest{
		Principal: principal(ctx),
		Ready:     req.Ready,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	a.co.Dispatch(ctx.Request.Context(), resp.Broadcast)
	ctx.JSON(http.StatusOK, resp.Player)
}

func (a *API) SendMessage(ctx *gin.Context) {
	var req MessageRequest
	if !bind(ctx, &req) {
		return
	}

	resp, err := a.ss.SendMessage(ctx.Request.Context(), session.SendMessageRequest{
		Principal: principal(ctx),
		Message:   req.Message,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	a.co.Dispatch(ctx.Request.Context(), resp.Broadcast)
	ctx.Status(http.StatusNoContent)
}

func (a *API) GetSession(ctx *gin.Context) {
	resp, err := a.ss.GetSession(ctx.Request.Context(), session.GetSessionRequest{
		Principal: principal(ctx),
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.JSON(http.StatusOK, toSession(resp.Session, resp.Lobby.Players))
}

func (a *API) GetHistory(ctx *gin.Context) {
	history, err := a.ss.GetHistory(ctx.Request.Context())
	if err != nil {
		writeError(ctx, err)
		return
	}

	resp := make([]History, 0, len(history))
	for _, h := range history {
		players := make([]domain.PlayerSummary, 0, len(h.Members))
		for i := range h.Members {
			players = append(players, h.Members[i].Summary())
		}

		responses := make([]Response, 0, len(h.Responses))
		for _, r := range h.Responses {
			responses = append(responses, toResponse(r))
		}

		resp = append(resp, History{
			Session:   toSession(h.Session, players),
			Responses: responses,
		})
	}

	ctx.JSON(http.StatusOK, resp)
}

// Connect upgrades the request to a websocket and serves it until the client goes away.
func (a *API) Connect(ctx *gin.Context) {
	a.hub.Serve(ctx.Writer, ctx.Request, a.co)
}

func (a *API) JoinGroup(ctx *gin.Context) {
	var req JoinGroupRequest
	if !bind(ctx, &req) {
		return
	}

	err := a.co.JoinGroup(ctx.Request.Context(), broadcast.JoinGroupRequest{
		Principal:    principal(ctx),
		ConnectionID: req.ConnectionID,
	})
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.Status(http.StatusNoContent)
}

func toSession(ss domain.Session, players []domain.PlayerSummary) Session {
	if players == nil {
		players = []domain.PlayerSummary{}
	}

	return Session{
		Lobby: domain.Lobby{
			SessionID: ss.SessionID,
			HostID:    ss.HostID,
			Code:      ss.Code,
			Created:   ss.Created,
			Players:   players,
		},
		Status:        ss.Status,
		Rounds:        ss.RoundCount,
		RoundDuration: ss.RoundDuration,
		CurrentRound:  ss.CurrentRound,
		Cards:         ss.Cards,
	}
}

func toResponse(r domain.Response) Response {
	return Response{
		ID:       r.ResponseID,
		Round:    r.Round,
		AuthorID: r.AuthorID,
		Content:  r.Content,
		Kind:     r.Kind,
		Created:  r.CreatedAt,
	}
}

func bind(ctx *gin.Context, req any) bool {
	if err := ctx.ShouldBindJSON(req); err != nil {
		writeError(ctx, errInvalidBody(err))
		return false
	}

	return true
}

// bindOptional accepts an empty body, chunked or not.
func bindOptional(ctx *gin.Context, req any) bool {
	err := ctx.ShouldBindJSON(req)
	if err != nil && !stderrors.Is(err, io.EOF) {
		writeError(ctx, errInvalidBody(err))
		return false
	}

	return true
}

func errInvalidBody(err error) error {
	return errors.New(errors.CodeInvalidArgument,
		errors.WithMessagef("invalid request body"),
		errors.WithCause(err),
	)
}

func writeError(ctx *gin.Context, err error) {
	e := errors.Convert(err)

	if e.Code == errors.CodeInternal || e.Code == errors.CodeUnavailable {
		slog.ErrorContext(ctx.Request.Context(), "api: request failed",
			"method", ctx.Request.Method,
			"path", ctx.FullPath(),
			"error", err,
		)
	}

	ctx.AbortWithStatusJSON(e.HTTPStatusCode(), ErrorResponse{
		Kind:    e.Kind(),
		Message: e.Message,
	})
}
