package automod

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// Action is what a verdict asks the filter to do.
type Action string

const (
	Allow   Action = "allow"
	Flag    Action = "flag"
	Delete  Action = "delete"
	Timeout Action = "timeout"
	Ban     Action = "ban"
)

// Sensitivity selects one of the threshold tables.
type Sensitivity string

const (
	Low    Sensitivity = "low"
	Medium Sensitivity = "medium"
	High   Sensitivity = "high"
)

// ParseSensitivity accepts low, medium or high. Empty means medium.
func ParseSensitivity(s string) (Sensitivity, error) {
	switch v := Sensitivity(strings.ToLower(strings.TrimSpace(s))); v {
	case "":
		return Medium, nil
	case Low, Medium, High:
		return v, nil
	}
	return "", fmt.Errorf("unknown automod sensitivity %q (want low, medium or high)", s)
}

// Thresholds are the minimum scores for each action.
type Thresholds struct {
	Flag    int
	Delete  int
	Timeout int
	Ban     int
}

var thresholds = map[Sensitivity]Thresholds{
	Low:    {Flag: 40, Delete: 60, Timeout: 80, Ban: 95},
	Medium: {Flag: 31, Delete: 51, Timeout: 71, Ban: 86},
	High:   {Flag: 25, Delete: 40, Timeout: 60, Ban: 75},
}

const (
	maxEmotes       = 15
	maxLength       = 500
	maxCapsPercent  = 70
	maxSymbolPct    = 50
	maxRepeatedWord = 10
	newFollowerDays = 7
	recentSpamKept  = 50
	recentSpamCheck = 20
)

var (
	urlBlacklist = []string{"discord.gg", "discord.com", "discordapp.com"}
	urlWhitelist = []string{
		"twitch.tv", "clips.twitch.tv", "youtube.com", "youtu.be",
		"twitter.com", "x.com", "imgur.com", "giphy.com",
		"streamlabs.com", "streamelements.com", "nightbot.tv",
	}
	urlShorteners = []string{
		"bit.ly", "tinyurl.com", "goo.gl", "t.co", "ow.ly",
		"is.gd", "buff.ly", "adf.ly", "j.mp", "rb.gy",
		"cutt.ly", "shorturl.at", "tiny.cc", "bc.vc",
	}
	suspiciousTLDs = []string{
		".xyz", ".top", ".club", ".work", ".click", ".link",
		".gq", ".ml", ".cf", ".ga", ".tk", ".buzz",
		".monster", ".rest", ".cam", ".icu", ".loan",
		".racing", ".win", ".download", ".stream", ".party",
	}
)

type pattern struct {
	name string
	re   *regexp.Regexp
}

func pat(name, expr string) pattern { return pattern{name, regexp.MustCompile(`(?i)` + expr)} }

var spamPatterns = []pattern{
	pat("followbot_spam", `(?:buy|get|cheap|free)\s*(?:followers?|views?|viewers?|subs?)`),
	pat("fame_spam", `(?:become|get|go)\s*(?:famous|viral|big|popular)`),
	pat("follower_price_spam", `\d+\s*(?:for|=)\s*\d+k?\s*(?:followers?|views?|subs?)`),
	pat("growth_spam", `(?:grow|boost|increase)\s*(?:your)?\s*(?:channel|stream|followers?)`),
	pat("bot_spam", `viewbot|followbot|follow\s*bot|view\s*bot`),
	pat("site_spam", `(?:best|cheap|legit)\s*(?:site|website)\s*(?:for)?\s*(?:followers?|views?)`),
	pat("crypto_double_scam", `(?:double|triple|10x)\s*(?:your)?\s*(?:crypto|btc|eth|bitcoin|ethereum)`),
	pat("crypto_send_scam", `send\s*[\d.]+\s*(?:btc|eth)\s*(?:get|receive)\s*[\d.]+\s*(?:btc|eth)`),
	pat("crypto_giveaway_scam", `(?:free|giving away)\s*(?:crypto|btc|eth|bitcoin|ethereum|nft)`),
	pat("celebrity_crypto_scam", `(?:elon|musk|vitalik)\s*(?:is)?\s*(?:giving|giveaway|sending)`),
	pat("airdrop_scam", `(?:claim|get|receive)\s*(?:your|free)\s*(?:airdrop|tokens?|nft)`),
	pat("investment_scam", `(?:invest|deposit).*(?:guaranteed|100%|profit)`),
	pat("phishing_suspension", `(?:account|channel)\s*(?:will be|is being|has been)\s*(?:suspended|banned|terminated)`),
	pat("phishing_verify", `(?:urgent|immediately|now)\s*(?:verify|confirm|validate)\s*(?:your)?\s*(?:account|email)`),
	pat("twitch_impersonation", `twitch\s*(?:staff|support|admin|team)`),
	pat("phishing_login", `(?:login|sign in).*(?:verify|confirm|secure)`),
	pat("adult_spam", `(?:18\+|adult|xxx|nsfw).*(?:content|pics|videos?).*(?:bio|profile|link)`),
	pat("dating_spam", `(?:hot|sexy|single).*(?:girl|guy|women|men).*(?:near|local|area)`),
	pat("adult_promo_spam", `(?:onlyfans|fansly).*(?:link|bio|profile|free)`),
}

var spamTerms = []string{
	"buy followers", "cheap followers", "free followers",
	"buy viewers", "cheap viewers", "viewbot", "followbot",
	"double your btc", "double your eth", "free bitcoin",
	"send btc receive", "send eth receive", "check my bio",
	"link in bio", "promo sm", "wanna be famous",
	"want to be famous", "become famous", "i'll help you grow",
	"fr33 f0ll0w3rs", "fr33 v13ws",
}

var (
	domainRE     = regexp.MustCompile(`(?i)(?:https?://)?(?:www\.)?([a-z0-9][-a-z0-9]*\.[a-z0-9][-a-z0-9.]*)`)
	obfuscatedRE = regexp.MustCompile(`(?i)[-a-z0-9]{2,}\s*(?:\[dot\]|\(dot\)|d0t|d\.o\.t|\.\s+)\s*(?:com|net|org|tv|gg|co|io|xyz|me)`)
	emoteRE      = regexp.MustCompile(`^(?:[A-Z][a-z]+[A-Z][a-zA-Z]*|[A-Z]{2,}[a-z]*|:[a-zA-Z0-9_]+:|[a-zA-Z]+[0-9]+[a-zA-Z]*)`)
)

var commonEmotes = map[string]bool{
	"Kappa": true, "PogChamp": true, "LUL": true, "KEKW": true, "OMEGALUL": true, "Pepega": true,
	"monkaS": true, "monkaW": true, "POGGERS": true, "PepeHands": true, "FeelsBadMan": true,
	"FeelsGoodMan": true, "4Head": true, "ResidentSleeper": true, "BibleThump": true,
	"Kreygasm": true, "PJSalt": true, "NotLikeThis": true, "TriHard": true, "CoolStoryBob": true,
	"DansGame": true, "WutFace": true, "Jebaited": true, "cmonBruh": true, "haHAA": true,
	"LULW": true, "PepeLaugh": true, "Sadge": true, "widepeepoHappy": true, "peepoSad": true,
}

// lookalikes folds digits, symbols and homoglyphs onto the letters they imitate.
var lookalikes = func() map[rune]rune {
	src := map[rune]string{
		'a': "@4αаäàáâãåā",
		'b': "8ьвß",
		'c': "(сçć¢©",
		'e': "3єеëèéêē",
		'g': "9ğ",
		'i': "!іїìíîïī¡",
		'l': "1|ł",
		'o': "0оøöòóôõō",
		'p': "рρ",
		's': "$5ѕśşš§",
		't': "7+т†",
		'u': "υüùúûū",
		'x': "х×",
		'y': "уýÿ",
	}
	m := make(map[rune]rune)
	for to, from := range src {
		for _, r := range from {
			m[r] = to
		}
	}
	return m
}()

func normalize(s string) string {
	return strings.Map(func(r rune) rune {
		if to, ok := lookalikes[r]; ok {
			return to
		}
		return r
	}, s)
}

// Profile is what the filter knows about the author of a message.
type Profile struct {
	Subscriber bool
	VIP        bool
	// FollowDays is how long ago the chatter was first seen.
	FollowDays int
	// Messages counts the chatter's earlier messages.
	Messages int64
	Permit   bool
}

// Verdict is the outcome of scoring one message.
type Verdict struct {
	Score    int
	Action   Action
	Reasons  []string
	Patterns []string
}

// Reason summarizes the first three reasons and two matched patterns.
func (v Verdict) Reason() string {
	r := strings.Join(v.Reasons[:min(3, len(v.Reasons))], "; ")
	if len(v.Patterns) > 0 {
		r += " | Patterns: " + strings.Join(v.Patterns[:min(2, len(v.Patterns))], ", ")
	}
	return r
}

// Detector scores chat messages for spam. Messages that earned a delete or
// worse are remembered so that near copies score higher.
type Detector struct {
	mu     sync.Mutex
	sens   Sensitivity
	recent []string
}

func NewDetector(s Sensitivity) *Detector {
	if _, ok := thresholds[s]; !ok {
		s = Medium
	}
	return &Detector{sens: s}
}

func (d *Detector) Sensitivity() Sensitivity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sens
}

func (d *Detector) SetSensitivity(s Sensitivity) {
	if _, ok := thresholds[s]; !ok {
		return
	}
	d.mu.Lock()
	d.sens = s
	d.mu.Unlock()
}

// Analyze scores msg and picks the action for the current sensitivity.
func (d *Detector) Analyze(msg string, p Profile) Verdict {
	var v Verdict
	add := func(points int, reason string) {
		v.Score += points
		v.Reasons = append(v.Reasons, reason)
	}

	if matches := matchPatterns(msg); len(matches) > 0 {
		v.Patterns = matches
		add(35, fmt.Sprintf("spam_pattern_match (%d patterns)", len(matches)))
	}

	domains := extractDomains(msg)
	blocked := false
	for _, dom := range domains {
		switch kind := classifyDomain(dom); kind {
		case "blocked":
			blocked = true
			add(30, "blocked_url:"+dom)
		case "shortener":
			if p.FollowDays < newFollowerDays {
				add(25, "url_shortener_new_user:"+dom)
			} else {
				add(15, "url_shortener:"+dom)
			}
		case "suspicious_tld":
			add(20, "suspicious_tld:"+dom)
		case "unknown":
			add(10, "unknown_domain:"+dom)
		}
	}
	if len(domains) > 0 && p.Messages == 0 && !p.Permit && !blocked {
		add(15, "first_message_with_link")
	}
	if obfuscatedRE.MatchString(msg) {
		add(10, "obfuscated_url")
	}

	n := utf8.RuneCountInString(msg)
	if n >= 10 {
		if pct := capsPercent(msg); pct > maxCapsPercent {
			add(20, fmt.Sprintf("excessive_caps:%.0f%%", pct))
		}
	}
	if e := countEmotes(msg); e > maxEmotes {
		add(15, fmt.Sprintf("emote_spam:%d", e))
	}
	if n >= 5 {
		if pct := symbolPercent(msg); pct > maxSymbolPct {
			add(15, fmt.Sprintf("symbol_spam:%.0f%%", pct))
		}
	}
	if z := countZalgo(msg); z > 5 {
		add(25, fmt.Sprintf("zalgo_text:%d", z))
	}
	if n > maxLength {
		add(10, fmt.Sprintf("message_too_long:%d", n))
	}
	if r := maxWordRepeat(msg); r > maxRepeatedWord {
		add(15, fmt.Sprintf("word_repetition:%d", r))
	}
	if longestRun(msg, isArtSymbol) >= 6 {
		add(10, "ascii_art")
	}
	if longestRun(msg, func(rune) bool { return true }) >= 5 {
		add(15, "repeated_characters")
	}
	if d.similarToRecent(msg) {
		add(10, "similar_to_recent_spam")
	}
	if p.FollowDays < newFollowerDays {
		add(5, "new_follower")
	}

	if p.Subscriber {
		add(-30, "subscriber_reduction")
	}
	if p.VIP {
		add(-25, "vip_reduction")
	}
	if p.FollowDays >= 30 {
		add(-15, "longtime_follower_reduction")
	}
	if p.Messages >= 10 {
		add(-10, "active_chatter_reduction")
	}
	if p.Permit && !blocked {
		add(-20, "has_permit")
	}
	v.Score = max(0, min(100, v.Score))

	d.mu.Lock()
	t := thresholds[d.sens]
	d.mu.Unlock()
	v.Action = decide(v.Score, t, p.Subscriber || p.VIP)
	switch v.Action {
	case Delete, Timeout, Ban:
		d.remember(msg)
	}
	return v
}

func decide(score int, t Thresholds, protected bool) Action {
	switch {
	case score >= t.Ban:
		if protected {
			return Timeout
		}
		return Ban
	case score >= t.Timeout:
		return Timeout
	case score >= t.Delete:
		return Delete
	case score >= t.Flag:
		return Flag
	}
	return Allow
}

func matchPatterns(msg string) []string {
	lower := strings.ToLower(msg)
	norm := normalize(lower)
	var out []string
	for _, pt := range spamPatterns {
		if m := pt.re.FindString(msg); m != "" {
			out = append(out, pt.name+": "+clip(m, 30))
		} else if norm != lower {
			if m := pt.re.FindString(norm); m != "" {
				out = append(out, pt.name+"_obfuscated: "+clip(m, 30))
			}
		}
	}
	for _, term := range spamTerms {
		if strings.Contains(lower, term) || strings.Contains(norm, term) {
			out = append(out, "term:"+term+": "+term)
		}
	}
	return out
}

func extractDomains(msg string) []string {
	var out []string
	for _, m := range domainRE.FindAllStringSubmatch(msg, -1) {
		out = append(out, strings.ToLower(m[1]))
	}
	return out
}

// classifyDomain returns blocked, whitelisted, shortener, suspicious_tld or unknown.
func classifyDomain(dom string) string {
	for _, b := range urlBlacklist {
		if strings.Contains(dom, b) {
			return "blocked"
		}
	}
	for _, w := range urlWhitelist {
		if dom == w || strings.HasSuffix(dom, "."+w) {
			return "whitelisted"
		}
	}
	for _, s := range urlShorteners {
		if strings.Contains(dom, s) {
			return "shortener"
		}
	}
	for _, tld := range suspiciousTLDs {
		if strings.HasSuffix(dom, tld) {
			return "suspicious_tld"
		}
	}
	return "unknown"
}

func capsPercent(msg string) float64 {
	var letters, upper int
	for _, r := range msg {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters) * 100
}

func countEmotes(msg string) int {
	n := 0
	for _, w := range strings.Fields(msg) {
		if commonEmotes[w] || emoteRE.MatchString(w) {
			n++
		}
	}
	return n
}

func symbolPercent(msg string) float64 {
	var symbols, total int
	for _, r := range msg {
		if r != ' ' {
			total++
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			symbols++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(symbols) / float64(total) * 100
}

func countZalgo(msg string) int {
	n := 0
	for _, r := range msg {
		if (r >= 0x0300 && r <= 0x036f) || r == 0x0489 {
			n++
		}
	}
	return n
}

func maxWordRepeat(msg string) int {
	words := strings.Fields(strings.ToLower(msg))
	if len(words) < 3 {
		return 0
	}
	counts := make(map[string]int)
	best := 0
	for _, w := range words {
		if utf8.RuneCountInString(w) > 2 {
			counts[w]++
			best = max(best, counts[w])
		}
	}
	return best
}

func isArtSymbol(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && !unicode.IsSpace(r)
}

// longestRun is the longest stretch of one repeated rune that satisfies ok.
func longestRun(msg string, ok func(rune) bool) int {
	best, run := 0, 0
	var prev rune = -1
	for _, r := range msg {
		switch {
		case !ok(r):
			run = 0
		case r == prev:
			run++
		default:
			run = 1
		}
		prev = r
		best = max(best, run)
	}
	return best
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

func (d *Detector) similarToRecent(msg string) bool {
	words := wordSet(msg)
	if len(words) <= 2 {
		return false
	}
	d.mu.Lock()
	recent := d.recent[max(0, len(d.recent)-recentSpamCheck):]
	recent = append([]string(nil), recent...)
	d.mu.Unlock()
	for _, spam := range recent {
		other := wordSet(spam)
		if len(other) <= 2 {
			continue
		}
		inter := 0
		for w := range words {
			if _, ok := other[w]; ok {
				inter++
			}
		}
		union := len(words) + len(other) - inter
		if float64(inter)/float64(union) > 0.6 {
			return true
		}
	}
	return false
}

func (d *Detector) remember(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recent = append(d.recent, msg)
	if len(d.recent) > recentSpamKept {
		d.recent = d.recent[len(d.recent)-recentSpamKept:]
	}
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
